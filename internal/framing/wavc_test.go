package framing

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func feedAll(t *testing.T, p *Parser, stream []byte, chunk int) [][]byte {
	t.Helper()
	var out [][]byte
	for off := 0; off < len(stream); off += chunk {
		end := off + chunk
		if end > len(stream) {
			end = len(stream)
		}
		frames, err := p.Feed(stream[off:end])
		if err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
		out = append(out, frames...)
	}
	return out
}

func TestRoundTripAnyChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var payloads [][]byte
	var stream []byte
	for i := 0; i < 9; i++ {
		payload := make([]byte, 1+rng.Intn(64*1024))
		rng.Read(payload)
		payloads = append(payloads, payload)
		stream = AppendFrame(stream, payload)
	}

	for _, chunk := range []int{1, 3, 7, 512, 65537, len(stream)} {
		p := NewParser(0)
		got := feedAll(t, p, stream, chunk)
		if err := p.Flush(); err != nil {
			t.Fatalf("chunk=%d Flush() error = %v", chunk, err)
		}
		if len(got) != len(payloads) {
			t.Fatalf("chunk=%d frames = %d, want %d", chunk, len(got), len(payloads))
		}
		for i := range got {
			if !bytes.Equal(got[i], payloads[i]) {
				t.Fatalf("chunk=%d frame %d mismatch", chunk, i)
			}
		}
	}
}

func TestGarbageBeforeMagicIsSkipped(t *testing.T) {
	payload := []byte("hello wav")
	stream := append([]byte("garbage-bytes-here"), AppendFrame(nil, payload)...)

	p := NewParser(0)
	got := feedAll(t, p, stream, 5)
	if len(got) != 1 || !bytes.Equal(got[0], payload) {
		t.Fatalf("frames = %v, want one %q payload", got, payload)
	}
}

func TestOversizeFrameFailsStream(t *testing.T) {
	var stream []byte
	stream = append(stream, 'W', 'A', 'V', 'C', 0xFF, 0xFF, 0xFF, 0xFF)

	p := NewParser(DefaultMaxPayload)
	_, err := p.Feed(stream)
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("Feed() error = %v, want ErrOversizeFrame", err)
	}
}

func TestZeroLengthFrameFailsStream(t *testing.T) {
	stream := []byte{'W', 'A', 'V', 'C', 0, 0, 0, 0}
	p := NewParser(0)
	_, err := p.Feed(stream)
	if !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("Feed() error = %v, want ErrEmptyFrame", err)
	}
}

func TestTruncatedTailReported(t *testing.T) {
	full := AppendFrame(nil, bytes.Repeat([]byte{0xAB}, 100))
	p := NewParser(0)
	frames, err := p.Feed(full[:50])
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("frames = %d, want 0 before full payload", len(frames))
	}
	if err := p.Flush(); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Flush() error = %v, want ErrTruncated", err)
	}
	if p.Buffered() != 0 {
		t.Fatalf("Buffered() = %d after Flush, want 0", p.Buffered())
	}
}

func TestMagicSpanningReadBoundary(t *testing.T) {
	payload := bytes.Repeat([]byte{0x11}, 32)
	stream := append(bytes.Repeat([]byte{0x00}, 40), AppendFrame(nil, payload)...)

	p := NewParser(0)
	var got [][]byte
	// Split right in the middle of the magic word.
	mid := 40 + 2
	for _, part := range [][]byte{stream[:mid], stream[mid:]} {
		frames, err := p.Feed(part)
		if err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
		got = append(got, frames...)
	}
	if len(got) != 1 || !bytes.Equal(got[0], payload) {
		t.Fatalf("frames = %d, want the single spanning-magic payload", len(got))
	}
}

func TestWriteFrameMatchesAppendFrame(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if !bytes.Equal(buf.Bytes(), AppendFrame(nil, payload)) {
		t.Fatalf("WriteFrame and AppendFrame disagree")
	}
}
