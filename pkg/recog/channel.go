package recog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lixuanqun/unimrcp-websocket/pkg/audiobuf"
	"github.com/lixuanqun/unimrcp-websocket/pkg/mrcp"
	"github.com/lixuanqun/unimrcp-websocket/pkg/task"
	"github.com/lixuanqun/unimrcp-websocket/pkg/vad"
	"github.com/lixuanqun/unimrcp-websocket/pkg/wsclient"
	"github.com/lixuanqun/unimrcp-websocket/pkg/wsframe"
)

// Host is what the channel needs from the hosting media server: message
// delivery, open/close acknowledgements and the negotiated sink codec.
type Host interface {
	MessageSend(msg *mrcp.Message) bool
	OpenRespond(ok bool)
	CloseRespond()
	SinkCodec() *mrcp.CodecDescriptor
}

// Channel is one recognizer session. The host's media thread feeds audio
// through StreamWrite; everything that can touch the network runs on the
// engine's background task. The audio buffer's read position doubles as
// the streaming position: chunk and batch sends consume it in order, so
// the final batch is exactly the tail not yet streamed.
type Channel struct {
	engine    *Engine
	host      Host
	ws        *wsclient.Client
	audio     *audiobuf.Buffer
	detector  vad.Detector
	streaming bool
	log       *slog.Logger

	mu            sync.Mutex
	recogReq      *mrcp.Message
	stopResp      *mrcp.Message
	timersStarted bool
	speechStarted bool
	waitingResult bool
	recogStart    time.Time
	codec         mrcp.CodecDescriptor
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

// StreamWrite consumes one audio frame from the host's media thread. It
// must not block: the detector runs inline, audio is copied under the
// buffer lock, and network work is signalled to the background task.
func (ch *Channel) StreamWrite(frame []byte) {
	ch.mu.Lock()
	if ch.stopResp != nil {
		resp := ch.stopResp
		ch.stopResp = nil
		ch.recogReq = nil
		ch.speechStarted = false
		ch.waitingResult = false
		ch.mu.Unlock()
		ch.audio.Clear()
		ch.host.MessageSend(resp)
		return
	}
	if ch.recogReq == nil {
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	if !ch.ws.IsConnected() {
		return
	}
	ch.mu.Lock()
	event := ch.detector.Process(frame)
	ch.mu.Unlock()

	switch event {
	case vad.EventActivity:
		ch.log.Info("voice activity detected")
		ch.mu.Lock()
		ch.speechStarted = true
		req := ch.recogReq
		ch.mu.Unlock()
		ch.startOfInput(req)

	case vad.EventInactivity:
		ch.log.Info("voice inactivity detected")
		if ch.audio.Len() > 0 {
			// The batch handler owns the completion path in both batch
			// and streaming mode; it sends whatever was not streamed yet.
			ch.engine.signal(task.KindSendAudioBatch, ch, nil)
		} else {
			ch.recognitionComplete(mrcp.CauseNormal, nil)
		}

	case vad.EventNoInput:
		ch.log.Info("no-input timeout")
		ch.mu.Lock()
		fire := ch.timersStarted
		ch.mu.Unlock()
		if fire {
			ch.recognitionComplete(mrcp.CauseNoInputTimeout, nil)
		}
	}

	ch.audio.Write(frame)

	ch.mu.Lock()
	chunking := ch.streaming && ch.speechStarted
	ch.mu.Unlock()
	if chunking {
		for ch.audio.Available() >= StreamChunkSize {
			chunk := make([]byte, StreamChunkSize)
			ch.audio.Read(chunk)
			ch.engine.signalChunk(ch, chunk)
		}
	}
}

func (ch *Channel) startOfInput(req *mrcp.Message) bool {
	if req == nil {
		return false
	}
	evt := mrcp.NewEvent(req, mrcp.EventStartOfInput)
	evt.State = mrcp.StateInProgress
	return ch.host.MessageSend(evt)
}

// recognitionComplete emits RECOGNITION-COMPLETE exactly once per active
// request.
func (ch *Channel) recognitionComplete(cause mrcp.CompletionCause, body []byte) bool {
	ch.mu.Lock()
	req := ch.recogReq
	ch.recogReq = nil
	ch.waitingResult = false
	ch.speechStarted = false
	ch.mu.Unlock()
	if req == nil {
		return false
	}

	evt := mrcp.NewEvent(req, mrcp.EventRecognitionComplete)
	evt.State = mrcp.StateComplete
	evt.Cause = cause
	evt.SetHeader(mrcp.HeaderCompletionCause, cause.String())
	if len(body) > 0 {
		evt.Body = body
		evt.SetHeader(mrcp.HeaderContentType, "application/x-nlsml")
	}

	ch.log.Info("RECOGNITION-COMPLETE",
		slog.String("cause", cause.String()),
		slog.Int("body_len", len(body)))
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
	case mrcp.MethodRecognize:
		ch.recognize(req, resp)
	case mrcp.MethodStop:
		ch.log.Info("stop requested")
		ch.mu.Lock()
		ch.stopResp = resp
		ch.waitingResult = false
		ch.mu.Unlock()
		// The response is flushed by the next stream write.
	case mrcp.MethodStartInputTimers:
		ch.mu.Lock()
		ch.timersStarted = true
		ch.mu.Unlock()
		ch.host.MessageSend(resp)
	case mrcp.MethodSetParams, mrcp.MethodGetParams, mrcp.MethodDefineGrammar:
		// Grammar content is ignored: the external ASR decides what it
		// recognizes.
		ch.host.MessageSend(resp)
	default:
		ch.host.MessageSend(resp)
	}
}

func (ch *Channel) recognize(req *mrcp.Message, resp *mrcp.Message) {
	descriptor := ch.host.SinkCodec()
	if descriptor == nil {
		ch.log.Warn("no sink codec descriptor")
		resp.Status = mrcp.StatusMethodFailed
		ch.host.MessageSend(resp)
		return
	}

	if err := ch.ws.EnsureConnected(); err != nil {
		ch.log.Error("failed to connect to ASR server", slog.String("error", err.Error()))
		resp.Status = mrcp.StatusMethodFailed
		ch.host.MessageSend(resp)
		return
	}

	ch.log.Info("RECOGNIZE", slog.Int("sample_rate", descriptor.SampleRate))

	ch.audio.Clear()
	ch.mu.Lock()
	ch.codec = *descriptor
	ch.timersStarted = req.HeaderBool(mrcp.HeaderStartInputTimers, true)
	ch.detector.Reset(descriptor)
	if d, ok := req.HeaderDurationMS(mrcp.HeaderNoInputTimeout); ok {
		ch.detector.SetNoInputTimeout(d)
	}
	if d, ok := req.HeaderDurationMS(mrcp.HeaderSpeechCompleteTimeout); ok {
		ch.detector.SetSpeechTimeout(d)
	}
	ch.speechStarted = false
	ch.waitingResult = false
	ch.recogStart = time.Now()
	ch.mu.Unlock()

	resp.State = mrcp.StateInProgress
	ch.host.MessageSend(resp)

	ch.mu.Lock()
	ch.recogReq = req
	ch.mu.Unlock()
}

// handleSendAudioBatch ships the unstreamed tail of the utterance as one
// binary frame and starts waiting for the recognition result. The buffer
// and the stream position are always reset, success or not.
func (ch *Channel) handleSendAudioBatch() {
	ch.mu.Lock()
	active := ch.recogReq != nil
	ch.mu.Unlock()
	if !active {
		return
	}

	remaining := ch.audio.Available()
	total := ch.audio.Len()

	var sendErr error
	if remaining > 0 {
		batch := make([]byte, remaining)
		ch.audio.Read(batch)
		sendErr = ch.ws.SendBinary(batch)
		if sendErr == nil {
			ch.log.Info("audio batch sent",
				slog.Int("batch", remaining),
				slog.Int("utterance", total))
		}
	}
	ch.audio.Clear()

	if sendErr != nil {
		ch.log.Error("failed to send audio batch", slog.String("error", sendErr.Error()))
		ch.recognitionComplete(mrcp.CauseError, nil)
		return
	}

	ch.mu.Lock()
	ch.waitingResult = true
	ch.mu.Unlock()
	ch.engine.signal(task.KindRecvResult, ch, nil)
}

func (ch *Channel) handleStreamAudioChunk(chunk []byte) {
	if err := ch.ws.SendBinary(chunk); err != nil {
		ch.log.Warn("failed to stream audio chunk", slog.String("error", err.Error()))
	}
}

func (ch *Channel) handleRecvResult() {
	ch.mu.Lock()
	waiting := ch.waitingResult && ch.recogReq != nil
	start := ch.recogStart
	ch.mu.Unlock()
	if !waiting {
		return
	}

	if time.Since(start) > MaxRecognizeDuration {
		ch.log.Warn("max recognize duration exceeded")
		ch.recognitionComplete(mrcp.CauseError, nil)
		return
	}

	frame, err := ch.ws.ReceiveFrame()
	if err != nil {
		ch.log.Error("failed to receive result", slog.String("error", err.Error()))
		ch.recognitionComplete(mrcp.CauseError, nil)
		return
	}
	if frame == nil {
		ch.engine.signal(task.KindRecvResult, ch, nil)
		return
	}

	switch frame.Opcode {
	case wsframe.OpcodeText:
		if len(frame.Payload) > 0 {
			ch.recognitionComplete(mrcp.CauseNormal, frame.Payload)
			return
		}
	case wsframe.OpcodeClose:
		ch.log.Warn("ASR server closed connection before result")
		ch.recognitionComplete(mrcp.CauseError, nil)
		return
	}
	ch.engine.signal(task.KindRecvResult, ch, nil)
}
