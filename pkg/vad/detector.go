// Package vad classifies incoming audio frames as speech or silence and
// reports the three edges a recognition session acts on: start of speech,
// end of the utterance, and the no-input timeout.
package vad

import (
	"time"

	"github.com/lixuanqun/unimrcp-websocket/pkg/mrcp"
)

// Event is the outcome of processing one audio frame.
type Event int

const (
	EventNone Event = iota
	// EventActivity fires once on the first edge of speech.
	EventActivity
	// EventInactivity fires once when the utterance has been followed by
	// enough silence.
	EventInactivity
	// EventNoInput fires once when no speech arrived within the no-input
	// timeout.
	EventNoInput
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventActivity:
		return "activity"
	case EventInactivity:
		return "inactivity"
	case EventNoInput:
		return "no-input"
	}
	return "unknown"
}

// Detector consumes LPCM frames and emits activity edges. Implementations
// are black boxes to the session: only the three events matter.
type Detector interface {
	// Reset arms the detector for a new recognition with the stream codec.
	Reset(codec *mrcp.CodecDescriptor)
	// Process classifies one frame. Must not block.
	Process(frame []byte) Event
	SetNoInputTimeout(d time.Duration)
	SetSpeechTimeout(d time.Duration)
}
