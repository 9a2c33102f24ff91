// Package recog implements the recognizer resource: each channel gates
// the host's inbound audio through an activity detector, ships utterances
// to an external ASR engine over a WebSocket, and forwards the recognition
// result to the host as a RECOGNITION-COMPLETE event.
package recog

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
	"github.com/lixuanqun/unimrcp-websocket/pkg/vad"
	"github.com/lixuanqun/unimrcp-websocket/pkg/wsclient"
)

const (
	// DefaultAudioBufferSize holds one utterance of inbound audio.
	DefaultAudioBufferSize = 512 << 10
	// MaxAudioBufferSize caps the max-audio-size option.
	MaxAudioBufferSize = 50 << 20

	// MaxRecognizeDuration bounds a single RECOGNIZE end to end.
	MaxRecognizeDuration = 60 * time.Second

	// StreamChunkSize is 200 ms of LPCM at 8 kHz; in streaming mode every
	// full chunk is forwarded as its own binary frame.
	StreamChunkSize = 3200
)

// Options is the engine configuration surface.
type Options struct {
	WsHost            string `mapstructure:"ws_host"`
	WsPort            int    `mapstructure:"ws_port"`
	WsPath            string `mapstructure:"ws_path"`
	MaxAudioSize      int    `mapstructure:"max_audio_size"`
	Streaming         bool   `mapstructure:"streaming"`
	ConnectTimeoutMS  int    `mapstructure:"connect_timeout_ms"`
	RecvPollTimeoutMS int    `mapstructure:"recv_poll_timeout_ms"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RetryDelayMS      int    `mapstructure:"retry_delay_ms"`
}

var optionsSchema = configutil.Schema{
	Optional: []string{
		"ws-host", "ws-port", "ws-path", "max-audio-size", "streaming",
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
		opts.WsPath = "/asr"
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

// Engine owns the background task all recognizer channels run their
// blocking work on.
type Engine struct {
	params map[string]any
	task   *task.Task
	log    *slog.Logger
}

func NewEngine(params map[string]any) *Engine {
	e := &Engine{
		params: params,
		log:    logging.NewComponentLogger(slog.Default(), "recog_engine"),
	}
	e.task = task.New("websocket-recog-engine", e.processMessage)
	return e
}

func (e *Engine) Open(host EngineHost) {
	e.log.Info("open recog engine")
	e.task.Start()
	if host != nil {
		host.OpenRespond(true)
	}
}

func (e *Engine) Close(host EngineHost) {
	e.log.Info("close recog engine")
	e.task.Terminate(true)
	if host != nil {
		host.CloseRespond()
	}
}

// NewChannel builds a recognizer channel for one session, with the default
// energy detector. Invalid engine parameters surface here as a failed
// construction.
func (e *Engine) NewChannel(host Host) (*Channel, error) {
	return e.NewChannelWithDetector(host, vad.NewEnergyDetector())
}

// NewChannelWithDetector lets the caller supply the activity detector.
func (e *Engine) NewChannelWithDetector(host Host, detector vad.Detector) (*Channel, error) {
	opts, err := OptionsFromParams(e.params)
	if err != nil {
		e.log.Error("invalid engine params", slog.String("error", err.Error()))
		return nil, err
	}

	ch := &Channel{
		engine:    e,
		host:      host,
		ws:        wsclient.New(opts.clientConfig()),
		audio:     audiobuf.New(opts.MaxAudioSize),
		detector:  detector,
		streaming: opts.Streaming,
		log:       logging.NewComponentLogger(slog.Default(), "recog_channel"),
	}
	e.log.Info("create recog channel",
		slog.String("ws_host", opts.WsHost),
		slog.Int("ws_port", opts.WsPort),
		slog.String("ws_path", opts.WsPath),
		slog.Int("buffer_size", opts.MaxAudioSize),
		slog.Bool("streaming", opts.Streaming))
	return ch, nil
}

func (e *Engine) signal(kind task.Kind, ch *Channel, req *mrcp.Message) bool {
	return e.task.Signal(task.Message{Kind: kind, Channel: ch, Request: req})
}

func (e *Engine) signalChunk(ch *Channel, chunk []byte) bool {
	return e.task.Signal(task.Message{Kind: task.KindStreamAudioChunk, Channel: ch, Data: chunk})
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
	case task.KindSendAudioBatch:
		ch.handleSendAudioBatch()
	case task.KindStreamAudioChunk:
		ch.handleStreamAudioChunk(msg.Data)
	case task.KindRecvResult:
		ch.handleRecvResult()
	}
}
