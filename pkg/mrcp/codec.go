package mrcp

// Supported LPCM sample rates.
const (
	SampleRate8000  = 8000
	SampleRate16000 = 16000
)

// CodecDescriptor describes the negotiated stream codec: 16-bit mono
// little-endian LPCM at the given rate, delivered in 20 ms frames.
type CodecDescriptor struct {
	SampleRate int
	FrameSize  int
}

// NewCodecDescriptor derives the 20 ms frame size for a sample rate:
// 320 bytes at 8 kHz, 640 bytes at 16 kHz.
func NewCodecDescriptor(sampleRate int) *CodecDescriptor {
	return &CodecDescriptor{
		SampleRate: sampleRate,
		FrameSize:  sampleRate * 2 / 50,
	}
}

// BytesPerSecond returns the LPCM byte rate for timeout accounting.
func (d *CodecDescriptor) BytesPerSecond() int {
	return d.SampleRate * 2
}
