// Package synth implements the synthesizer resource: each channel bridges
// SPEAK requests from the hosting media server to an external TTS engine
// over a WebSocket and streams the returned LPCM audio back through the
// host's source stream, one 20 ms frame per read.
package synth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lixuanqun/unimrcp-websocket/pkg/audiobuf"
	"github.com/lixuanqun/unimrcp-websocket/pkg/configutil"
	"github.com/lixuanqun/unimrcp-websocket/pkg/errorsx"
	"github.com/lixuanqun/unimrcp-websocket/pkg/logging"
	"github.com/lixuanqun/unimrcp-websocket/pkg/mrcp"
	"github.com/lixuanqun/unimrcp-websocket/pkg/task"
	"github.com/lixuanqun/unimrcp-websocket/pkg/wsclient"
)

const (
	// DefaultAudioBufferSize holds one utterance of synthesized audio.
	DefaultAudioBufferSize = 2 << 20
	// MaxAudioBufferSize caps the max-audio-size option.
	MaxAudioBufferSize = 50 << 20

	// MaxSpeakDuration bounds a single SPEAK end to end.
	MaxSpeakDuration = 5 * time.Minute
	// MaxIdlePolls ends receiving after ~5 s of server silence at the
	// default poll interval.
	MaxIdlePolls = 50
)

// Options is the engine configuration surface.
type Options struct {
	WsHost            string `mapstructure:"ws_host"`
	WsPort            int    `mapstructure:"ws_port"`
	WsPath            string `mapstructure:"ws_path"`
	MaxAudioSize      int    `mapstructure:"max_audio_size"`
	ConnectTimeoutMS  int    `mapstructure:"connect_timeout_ms"`
	RecvPollTimeoutMS int    `mapstructure:"recv_poll_timeout_ms"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RetryDelayMS      int    `mapstructure:"retry_delay_ms"`
}

var optionsSchema = configutil.Schema{
	Optional: []string{
		"ws-host", "ws-port", "ws-path", "max-audio-size",
		"connect-timeout-ms", "recv-poll-timeout-ms", "max-retries", "retry-delay-ms",
	},
}

// OptionsFromParams validates and decodes the host's engine parameter map.
func OptionsFromParams(params map[string]any) (Options, error) {
	var opts Options
	if err := configutil.ValidateSettings(params, optionsSchema); err != nil {
		return opts, errorsx.Wrap(err, errorsx.ReasonConfig)
	}
	if err := configutil.DecodeSettings(params, &opts); err != nil {
		return opts, errorsx.Wrap(err, errorsx.ReasonConfig)
	}
	if opts.WsPort < 0 || opts.WsPort > 65535 {
		return opts, errorsx.Wrap(fmt.Errorf("ws-port %d out of range", opts.WsPort), errorsx.ReasonConfig)
	}
	if opts.MaxAudioSize < 0 || opts.MaxAudioSize > MaxAudioBufferSize {
		return opts, errorsx.Wrap(fmt.Errorf("max-audio-size %d out of range", opts.MaxAudioSize), errorsx.ReasonConfig)
	}
	if opts.WsPath == "" {
		opts.WsPath = "/tts"
	}
	if opts.MaxAudioSize == 0 {
		opts.MaxAudioSize = DefaultAudioBufferSize
	}
	return opts, nil
}

func (o Options) clientConfig() wsclient.Config {
	return wsclient.Config{
		Host:            o.WsHost,
		Port:            o.WsPort,
		Path:            o.WsPath,
		ConnectTimeout:  time.Duration(o.ConnectTimeoutMS) * time.Millisecond,
		RecvPollTimeout: time.Duration(o.RecvPollTimeoutMS) * time.Millisecond,
		MaxRetries:      o.MaxRetries,
		RetryDelay:      time.Duration(o.RetryDelayMS) * time.Millisecond,
		MaxFrameSize:    o.MaxAudioSize,
	}
}

// EngineHost receives the asynchronous open/close answers owed to the
// hosting server.
type EngineHost interface {
	OpenRespond(ok bool)
	CloseRespond()
}

// Engine owns the background task all synthesizer channels run their
// blocking work on.
type Engine struct {
	params map[string]any
	task   *task.Task
	log    *slog.Logger
}

func NewEngine(params map[string]any) *Engine {
	e := &Engine{
		params: params,
		log:    logging.NewComponentLogger(slog.Default(), "synth_engine"),
	}
	e.task = task.New("websocket-synth-engine", e.processMessage)
	return e
}

// Open starts the background task and acknowledges the host.
func (e *Engine) Open(host EngineHost) {
	e.log.Info("open synth engine")
	e.task.Start()
	if host != nil {
		host.OpenRespond(true)
	}
}

// Close drains and stops the background task, then acknowledges the host.
func (e *Engine) Close(host EngineHost) {
	e.log.Info("close synth engine")
	e.task.Terminate(true)
	if host != nil {
		host.CloseRespond()
	}
}

// NewChannel builds a synthesizer channel for one session. Invalid engine
// parameters surface here as a failed construction.
func (e *Engine) NewChannel(host Host) (*Channel, error) {
	opts, err := OptionsFromParams(e.params)
	if err != nil {
		e.log.Error("invalid engine params", slog.String("error", err.Error()))
		return nil, err
	}

	ch := &Channel{
		engine: e,
		host:   host,
		ws:     wsclient.New(opts.clientConfig()),
		audio:  audiobuf.New(opts.MaxAudioSize),
		log:    logging.NewComponentLogger(slog.Default(), "synth_channel"),
	}
	e.log.Info("create synth channel",
		slog.String("ws_host", opts.WsHost),
		slog.Int("ws_port", opts.WsPort),
		slog.String("ws_path", opts.WsPath),
		slog.Int("buffer_size", opts.MaxAudioSize))
	return ch, nil
}

func (e *Engine) signal(kind task.Kind, ch *Channel, req *mrcp.Message) bool {
	return e.task.Signal(task.Message{Kind: kind, Channel: ch, Request: req})
}

func (e *Engine) processMessage(msg task.Message) {
	ch, ok := msg.Channel.(*Channel)
	if !ok {
		return
	}
	switch msg.Kind {
	case task.KindOpenChannel:
		ch.handleOpen()
	case task.KindCloseChannel:
		ch.handleClose()
	case task.KindRequestDispatch:
		ch.handleRequestDispatch(msg.Request)
	case task.KindSpeakStart:
		ch.handleSpeakStart(msg.Request)
	case task.KindRecvPoll:
		ch.handleRecvPoll()
	}
}
