package vad

import (
	"encoding/binary"
	"time"

	"github.com/lixuanqun/unimrcp-websocket/pkg/mrcp"
)

type detectorState int

const (
	stateInactivity detectorState = iota
	stateActivityTransition
	stateActivity
	stateInactivityTransition
)

// EnergyDetector is a level-based detector: the mean absolute sample value
// of each frame is compared against a fixed threshold, with transition
// windows so single noisy frames do not flip the state.
type EnergyDetector struct {
	LevelThreshold int

	speechOnTime   time.Duration
	silenceTimeout time.Duration
	noInputTimeout time.Duration

	state        detectorState
	bytesPerSec  int
	transition   time.Duration
	noInputClock time.Duration
	activitySeen bool
	noInputFired bool
}

const (
	defaultLevelThreshold = 100
	defaultSpeechOnTime   = 40 * time.Millisecond
	defaultSilenceTimeout = 300 * time.Millisecond
	defaultNoInputTimeout = 5 * time.Second
)

func NewEnergyDetector() *EnergyDetector {
	return &EnergyDetector{
		LevelThreshold: defaultLevelThreshold,
		speechOnTime:   defaultSpeechOnTime,
		silenceTimeout: defaultSilenceTimeout,
		noInputTimeout: defaultNoInputTimeout,
		bytesPerSec:    mrcp.SampleRate8000 * 2,
	}
}

func (d *EnergyDetector) Reset(codec *mrcp.CodecDescriptor) {
	if codec != nil && codec.SampleRate > 0 {
		d.bytesPerSec = codec.BytesPerSecond()
	}
	d.state = stateInactivity
	d.transition = 0
	d.noInputClock = 0
	d.activitySeen = false
	d.noInputFired = false
}

func (d *EnergyDetector) SetNoInputTimeout(t time.Duration) {
	if t > 0 {
		d.noInputTimeout = t
	}
}

func (d *EnergyDetector) SetSpeechTimeout(t time.Duration) {
	if t > 0 {
		d.silenceTimeout = t
	}
}

func (d *EnergyDetector) Process(frame []byte) Event {
	dur := time.Duration(len(frame)) * time.Second / time.Duration(d.bytesPerSec)
	voiced := frameLevel(frame) >= d.LevelThreshold

	switch d.state {
	case stateInactivity:
		if voiced {
			d.state = stateActivityTransition
			d.transition = 0
			break
		}
		if !d.activitySeen && !d.noInputFired {
			d.noInputClock += dur
			if d.noInputClock >= d.noInputTimeout {
				d.noInputFired = true
				return EventNoInput
			}
		}

	case stateActivityTransition:
		if !voiced {
			d.state = stateInactivity
			break
		}
		d.transition += dur
		if d.transition >= d.speechOnTime {
			d.state = stateActivity
			d.activitySeen = true
			return EventActivity
		}

	case stateActivity:
		if !voiced {
			d.state = stateInactivityTransition
			d.transition = 0
		}

	case stateInactivityTransition:
		if voiced {
			d.state = stateActivity
			break
		}
		d.transition += dur
		if d.transition >= d.silenceTimeout {
			d.state = stateInactivity
			return EventInactivity
		}
	}
	return EventNone
}

// frameLevel averages the absolute 16-bit LE sample values of the frame.
func frameLevel(frame []byte) int {
	samples := len(frame) / 2
	if samples == 0 {
		return 0
	}
	var sum int64
	for i := 0; i+1 < len(frame); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(frame[i : i+2])))
		if s < 0 {
			s = -s
		}
		sum += int64(s)
	}
	return int(sum / int64(samples))
}

var _ Detector = (*EnergyDetector)(nil)
