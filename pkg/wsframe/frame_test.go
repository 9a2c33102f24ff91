package wsframe

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	opcodes := []Opcode{OpcodeText, OpcodeBinary, OpcodePing, OpcodePong, OpcodeClose}
	sizes := []int{0, 1, 125, 126, 4096, 65535, 65536}

	for _, op := range opcodes {
		for _, size := range sizes {
			if op.IsControl() && size > 125 {
				continue
			}
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i * 7)
			}
			encoded := Encode(op, payload, NewMaskKey())
			frame, err := Decode(bytes.NewReader(encoded), 1<<20)
			if err != nil {
				t.Fatalf("decode %s/%d: %v", op, size, err)
			}
			if !frame.FIN {
				t.Fatalf("decode %s/%d: FIN not set", op, size)
			}
			if frame.Opcode != op {
				t.Fatalf("decode %s/%d: opcode %s", op, size, frame.Opcode)
			}
			if !frame.Masked {
				t.Fatalf("decode %s/%d: mask bit lost", op, size)
			}
			if !bytes.Equal(frame.Payload, payload) {
				t.Fatalf("decode %s/%d: payload mismatch", op, size)
			}
		}
	}
}

func TestHeaderSizeTiers(t *testing.T) {
	cases := []struct {
		payloadLen int
		headerLen  int
	}{
		{125, 6},
		{126, 8},
		{65535, 8},
		{65536, 14},
	}
	for _, tc := range cases {
		encoded := Encode(OpcodeText, make([]byte, tc.payloadLen), NewMaskKey())
		if got := len(encoded) - tc.payloadLen; got != tc.headerLen {
			t.Fatalf("payload %d: header %d bytes, want %d", tc.payloadLen, got, tc.headerLen)
		}
	}
}

func TestMaskInvolution(t *testing.T) {
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	data := []byte("the quick brown fox jumps over the lazy dog")
	masked := append([]byte(nil), data...)
	Mask(masked, key)
	if bytes.Equal(masked, data) {
		t.Fatal("mask did not change data")
	}
	Mask(masked, key)
	if !bytes.Equal(masked, data) {
		t.Fatal("double mask did not restore data")
	}
}

func TestMaskKeysIndependent(t *testing.T) {
	seen := make(map[[4]byte]bool)
	for i := 0; i < 64; i++ {
		key := NewMaskKey()
		if seen[key] {
			t.Fatalf("mask key repeated after %d frames", i)
		}
		seen[key] = true
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	encoded := Encode(OpcodeBinary, make([]byte, 2048), NewMaskKey())
	_, err := Decode(bytes.NewReader(encoded), 1024)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeShortRead(t *testing.T) {
	encoded := Encode(OpcodeText, []byte("hello world"), NewMaskKey())
	for _, cut := range []int{1, 3, len(encoded) - 1} {
		_, err := Decode(bytes.NewReader(encoded[:cut]), 1<<20)
		if !errors.Is(err, ErrShortRead) {
			t.Fatalf("cut %d: got %v, want ErrShortRead", cut, err)
		}
	}
}

func TestDecodeUnmaskedServerFrame(t *testing.T) {
	// Server-to-client frames arrive without the mask bit.
	raw := []byte{finBit | byte(OpcodeText), 5, 'h', 'e', 'l', 'l', 'o'}
	frame, err := Decode(bytes.NewReader(raw), 1<<20)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Masked {
		t.Fatal("frame reported masked")
	}
	if string(frame.Payload) != "hello" {
		t.Fatalf("payload %q", frame.Payload)
	}
}

func TestDecodeRejectsFragmentedControl(t *testing.T) {
	raw := []byte{byte(OpcodePing), 0} // FIN clear on a control frame
	_, err := Decode(bytes.NewReader(raw), 1<<20)
	if !errors.Is(err, ErrMaskProtocol) {
		t.Fatalf("got %v, want ErrMaskProtocol", err)
	}
}

func TestClosePayload(t *testing.T) {
	p := ClosePayload(1000, "bye")
	if len(p) != 5 || p[0] != 0x03 || p[1] != 0xE8 || string(p[2:]) != "bye" {
		t.Fatalf("unexpected close payload % x", p)
	}
	if ClosePayload(0, "ignored") != nil {
		t.Fatal("zero code should produce empty payload")
	}
}
