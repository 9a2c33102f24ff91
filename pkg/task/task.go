// Package task implements the single-threaded consumer task that every
// engine owns. All operations that may touch the network run here, never
// on host media or request threads. Handlers post messages back to the
// task to continue long-running work one tick at a time.
package task

import (
	"log/slog"
	"sync"

	"github.com/lixuanqun/unimrcp-websocket/pkg/logging"
	"github.com/lixuanqun/unimrcp-websocket/pkg/mrcp"
)

// Kind tags a task message.
type Kind int

const (
	KindOpenChannel Kind = iota
	KindCloseChannel
	KindRequestDispatch
	KindSpeakStart
	KindRecvPoll
	KindSendAudioBatch
	KindStreamAudioChunk
	KindRecvResult
)

func (k Kind) String() string {
	switch k {
	case KindOpenChannel:
		return "open_channel"
	case KindCloseChannel:
		return "close_channel"
	case KindRequestDispatch:
		return "request_dispatch"
	case KindSpeakStart:
		return "speak_start"
	case KindRecvPoll:
		return "recv_poll"
	case KindSendAudioBatch:
		return "send_audio_batch"
	case KindStreamAudioChunk:
		return "stream_audio_chunk"
	case KindRecvResult:
		return "recv_result"
	}
	return "unknown"
}

// Message is one unit of work for the consumer. Channel identifies the
// target session; Request and Data are set by the kinds that need them.
type Message struct {
	Kind    Kind
	Channel any
	Request *mrcp.Message
	Data    []byte
}

// Task services messages in FIFO order on a single goroutine. Signal never
// blocks the caller: the queue is unbounded and guarded by a mutex only
// long enough to append.
type Task struct {
	name    string
	process func(Message)
	log     *slog.Logger

	mu         sync.Mutex
	queue      []Message
	started    bool
	terminated bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

func New(name string, process func(Message)) *Task {
	return &Task{
		name:    name,
		process: process,
		log:     logging.NewComponentLogger(slog.Default(), "task").With(slog.String("task", name)),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (t *Task) Name() string { return t.name }

// Start launches the consumer goroutine. Messages signalled before Start
// are serviced once it runs.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.terminated {
		return
	}
	t.started = true
	t.log.Info("task started")
	go t.loop()
}

// Signal enqueues msg and returns true, or returns false once the task is
// terminated. It never blocks.
func (t *Task) Signal(msg Message) bool {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return false
	}
	t.queue = append(t.queue, msg)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return true
}

// Terminate stops accepting new messages, lets the loop drain what is
// already queued, and, when wait is set, blocks until the goroutine exits.
func (t *Task) Terminate(wait bool) {
	t.mu.Lock()
	t.terminated = true
	started := t.started
	t.mu.Unlock()

	t.quitOnce.Do(func() { close(t.quit) })

	if !started {
		return
	}
	if wait {
		<-t.done
	}
}

func (t *Task) loop() {
	defer close(t.done)
	for {
		msg, ok, stopping := t.next()
		if ok {
			t.process(msg)
			continue
		}
		if stopping {
			t.log.Info("task stopped")
			return
		}
		select {
		case <-t.wake:
		case <-t.quit:
		}
	}
}

// next pops the queue head. The queue keeps draining after Terminate;
// stopping is only reported once it is empty.
func (t *Task) next() (Message, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) > 0 {
		msg := t.queue[0]
		t.queue = t.queue[1:]
		return msg, true, false
	}
	return Message{}, false, t.terminated
}
