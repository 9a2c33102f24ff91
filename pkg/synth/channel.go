package synth

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lixuanqun/unimrcp-websocket/pkg/audiobuf"
	"github.com/lixuanqun/unimrcp-websocket/pkg/mrcp"
	"github.com/lixuanqun/unimrcp-websocket/pkg/task"
	"github.com/lixuanqun/unimrcp-websocket/pkg/wsclient"
	"github.com/lixuanqun/unimrcp-websocket/pkg/wsframe"
)

// Host is what the channel needs from the hosting media server: message
// delivery, open/close acknowledgements and the negotiated source codec.
type Host interface {
	MessageSend(msg *mrcp.Message) bool
	OpenRespond(ok bool)
	CloseRespond()
	SourceCodec() *mrcp.CodecDescriptor
}

// Channel is one synthesizer session. Host request and media threads only
// take the channel lock briefly and enqueue task messages; all WebSocket
// I/O happens on the engine's background task.
type Channel struct {
	engine *Engine
	host   Host
	ws     *wsclient.Client
	audio  *audiobuf.Buffer
	log    *slog.Logger

	mu         sync.Mutex
	speakReq   *mrcp.Message
	stopResp   *mrcp.Message
	paused     bool
	receiving  bool
	codec      mrcp.CodecDescriptor
	speakStart time.Time
	idlePolls  int
}

// Open asks the background task to acknowledge channel setup. Must not
// block.
func (ch *Channel) Open() bool {
	return ch.engine.signal(task.KindOpenChannel, ch, nil)
}

// Close asks the background task to tear the channel down. Must not block.
func (ch *Channel) Close() bool {
	return ch.engine.signal(task.KindCloseChannel, ch, nil)
}

// ProcessRequest hands an MRCP request to the background task. Must not
// block.
func (ch *Channel) ProcessRequest(req *mrcp.Message) bool {
	return ch.engine.signal(task.KindRequestDispatch, ch, req)
}

// StreamRead fills one audio frame from the session buffer. It is called
// from the host's media thread and must not block: it only takes locks
// briefly, copies memory and emits at most one host message.
func (ch *Channel) StreamRead(frame []byte) {
	ch.mu.Lock()
	if ch.stopResp != nil {
		resp := ch.stopResp
		ch.stopResp = nil
		ch.speakReq = nil
		ch.paused = false
		ch.receiving = false
		ch.mu.Unlock()
		ch.audio.Clear()
		zeroFill(frame)
		ch.host.MessageSend(resp)
		return
	}
	active := ch.speakReq != nil && !ch.paused
	ch.mu.Unlock()

	if !active {
		zeroFill(frame)
		return
	}

	available := ch.audio.Available()
	switch {
	case available >= len(frame):
		ch.audio.Read(frame)
	case ch.audio.Complete() && available == 0:
		zeroFill(frame)
		ch.speakComplete(mrcp.CauseNormal)
	case ch.audio.Complete():
		// Drain the tail and pad with silence; the next read completes.
		n, _ := ch.audio.Read(frame)
		zeroFill(frame[n:])
	default:
		// Underrun: the TTS server is still producing. Play silence.
		zeroFill(frame)
	}
}

// speakComplete emits SPEAK-COMPLETE exactly once per active request.
func (ch *Channel) speakComplete(cause mrcp.CompletionCause) bool {
	ch.mu.Lock()
	req := ch.speakReq
	ch.speakReq = nil
	ch.receiving = false
	ch.paused = false
	ch.mu.Unlock()
	if req == nil {
		return false
	}

	evt := mrcp.NewEvent(req, mrcp.EventSpeakComplete)
	evt.State = mrcp.StateComplete
	evt.Cause = cause
	evt.SetHeader(mrcp.HeaderCompletionCause, cause.String())

	ch.log.Info("SPEAK-COMPLETE", slog.String("cause", cause.String()))
	return ch.host.MessageSend(evt)
}

// --- background-task handlers ---

func (ch *Channel) handleOpen() {
	ch.host.OpenRespond(true)
}

func (ch *Channel) handleClose() {
	ch.ws.Disconnect(true)
	ch.host.CloseRespond()
}

func (ch *Channel) handleRequestDispatch(req *mrcp.Message) {
	resp := mrcp.NewResponse(req)
	switch req.Method {
	case mrcp.MethodSetParams:
		if voice, ok := req.Header(mrcp.HeaderVoiceName); ok {
			ch.log.Info("set voice", slog.String("voice", voice))
		}
		ch.host.MessageSend(resp)
	case mrcp.MethodGetParams:
		if _, ok := req.Header(mrcp.HeaderVoiceName); ok {
			resp.SetHeader(mrcp.HeaderVoiceName, "websocket-tts")
		}
		ch.host.MessageSend(resp)
	case mrcp.MethodSpeak:
		ch.speak(req, resp)
	case mrcp.MethodStop, mrcp.MethodBargeInOccurred:
		ch.log.Info("stop requested")
		ch.mu.Lock()
		ch.stopResp = resp
		ch.receiving = false
		ch.mu.Unlock()
		// The response is flushed by the next stream read.
	case mrcp.MethodPause:
		ch.mu.Lock()
		ch.paused = true
		ch.mu.Unlock()
		ch.host.MessageSend(resp)
	case mrcp.MethodResume:
		ch.mu.Lock()
		ch.paused = false
		ch.mu.Unlock()
		ch.host.MessageSend(resp)
	default:
		ch.host.MessageSend(resp)
	}
}

func (ch *Channel) speak(req *mrcp.Message, resp *mrcp.Message) {
	descriptor := ch.host.SourceCodec()
	if descriptor == nil {
		ch.log.Warn("no source codec descriptor")
		resp.Status = mrcp.StatusMethodFailed
		ch.host.MessageSend(resp)
		return
	}
	if len(req.Body) == 0 {
		ch.log.Warn("empty text in SPEAK request")
		resp.Status = mrcp.StatusMethodFailed
		ch.host.MessageSend(resp)
		return
	}

	ch.log.Info("SPEAK",
		slog.Int("sample_rate", descriptor.SampleRate),
		slog.Int("text_len", len(req.Body)))

	ch.audio.Clear()
	ch.mu.Lock()
	ch.codec = *descriptor
	ch.paused = false
	ch.receiving = true
	ch.speakStart = time.Now()
	ch.idlePolls = 0
	ch.mu.Unlock()

	resp.State = mrcp.StateInProgress
	ch.host.MessageSend(resp)

	ch.mu.Lock()
	ch.speakReq = req
	ch.mu.Unlock()

	ch.engine.signal(task.KindSpeakStart, ch, req)
}

func (ch *Channel) handleSpeakStart(req *mrcp.Message) {
	if err := ch.ws.EnsureConnected(); err != nil {
		ch.log.Error("failed to connect to TTS server", slog.String("error", err.Error()))
		ch.speakComplete(mrcp.CauseError)
		return
	}

	request := ch.buildRequestJSON(req)
	if err := ch.ws.SendText([]byte(request)); err != nil {
		ch.log.Error("failed to send TTS request", slog.String("error", err.Error()))
		ch.speakComplete(mrcp.CauseError)
		return
	}

	ch.log.Info("TTS request sent, receiving audio")
	ch.engine.signal(task.KindRecvPoll, ch, nil)
}

func (ch *Channel) handleRecvPoll() {
	ch.mu.Lock()
	stopped := ch.stopResp != nil || !ch.receiving
	start := ch.speakStart
	ch.mu.Unlock()
	if stopped {
		return
	}

	if time.Since(start) > MaxSpeakDuration {
		ch.log.Warn("max speak duration exceeded")
		ch.audio.MarkComplete()
		return
	}

	continuePolling := true
	frame, err := ch.ws.ReceiveFrame()
	switch {
	case err != nil:
		// Hard receive errors drain through the idle limit so partial
		// audio still completes normally.
		continuePolling = ch.noteIdlePoll()
	case frame == nil:
		continuePolling = ch.noteIdlePoll()
	default:
		continuePolling = ch.processInboundFrame(frame)
	}

	ch.mu.Lock()
	again := continuePolling && ch.receiving && ch.stopResp == nil
	ch.mu.Unlock()
	if again {
		ch.engine.signal(task.KindRecvPoll, ch, nil)
	}
}

func (ch *Channel) processInboundFrame(frame *wsframe.Frame) bool {
	switch frame.Opcode {
	case wsframe.OpcodeBinary, wsframe.OpcodeContinuation:
		ch.audio.Write(frame.Payload)
		ch.mu.Lock()
		ch.idlePolls = 0
		ch.mu.Unlock()
		ch.log.Debug("audio received",
			slog.Int("size", len(frame.Payload)),
			slog.Int("total", ch.audio.Len()))
		return true
	case wsframe.OpcodeText:
		ch.log.Debug("text message", slog.String("payload", string(frame.Payload)))
		if containsCompletionMarker(string(frame.Payload)) {
			ch.log.Info("TTS synthesis complete")
			ch.audio.MarkComplete()
			return false
		}
		return true
	case wsframe.OpcodeClose:
		ch.log.Info("TTS server closed connection")
		ch.audio.MarkComplete()
		return false
	}
	return true
}

// noteIdlePoll counts a quiet poll tick. Past the idle limit the speak is
// finished with whatever audio arrived, or failed when nothing did.
func (ch *Channel) noteIdlePoll() bool {
	ch.mu.Lock()
	ch.idlePolls++
	expired := ch.idlePolls > MaxIdlePolls
	ch.mu.Unlock()
	if !expired {
		return true
	}

	if ch.audio.Len() > 0 {
		ch.log.Info("idle timeout with audio, marking complete")
		ch.audio.MarkComplete()
	} else {
		ch.log.Error("no audio received from TTS server")
		ch.speakComplete(mrcp.CauseError)
	}
	return false
}

// buildRequestJSON renders the TTS envelope with a fixed field order and
// hand-escaped strings so the wire bytes stay deterministic.
func (ch *Channel) buildRequestJSON(req *mrcp.Message) string {
	ch.mu.Lock()
	sampleRate := ch.codec.SampleRate
	ch.mu.Unlock()
	if sampleRate == 0 {
		sampleRate = mrcp.SampleRate8000
	}

	voice := req.HeaderString(mrcp.HeaderVoiceName, "default")
	speed := req.HeaderFloat(mrcp.HeaderProsodyRate, 1.0)
	pitch := req.HeaderFloat(mrcp.HeaderProsodyPitch, 1.0)
	volume := req.HeaderFloat(mrcp.HeaderProsodyVolume, 1.0)

	return fmt.Sprintf(
		`{"action":"tts","text":"%s","voice":"%s","speed":%.2f,"pitch":%.2f,"volume":%.2f,"sample_rate":%d,"format":"pcm","session_id":"%s"}`,
		wsclient.EscapeString(string(req.Body)),
		wsclient.EscapeString(voice),
		speed, pitch, volume, sampleRate,
		wsclient.EscapeString(req.SessionID))
}

func containsCompletionMarker(payload string) bool {
	return strings.Contains(payload, "complete") ||
		strings.Contains(payload, "end") ||
		strings.Contains(payload, "done")
}

func zeroFill(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
