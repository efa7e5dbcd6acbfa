package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framed WAV envelope used on the provider-A audio downlink:
// "WAVC" | uint32 big-endian payload length | payload bytes.

const (
	HeaderSize = 8
	// DefaultMaxPayload caps a single frame; anything larger is a corrupt
	// stream, not audio.
	DefaultMaxPayload = 2 << 20
)

var magic = []byte("WAVC")

var (
	ErrEmptyFrame    = errors.New("wavc: zero-length frame")
	ErrOversizeFrame = errors.New("wavc: frame exceeds max payload")
	ErrTruncated     = errors.New("wavc: truncated trailing frame")
)

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [HeaderSize]byte
	copy(hdr[:4], magic)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// AppendFrame appends one framed payload to dst and returns the result.
func AppendFrame(dst, payload []byte) []byte {
	dst = append(dst, magic...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

type frameKey struct {
	offset uint64
	length uint32
}

// Parser incrementally decodes a WAVC stream. It tolerates arbitrary read
// boundaries, resynchronizes after garbage by scanning for the magic, and
// deduplicates frames by (stream offset, length) so an upstream retry that
// replays an already-parsed region does not produce the same frame twice.
type Parser struct {
	maxPayload int
	buf        []byte
	// offset is the absolute stream position of buf[0].
	offset uint64
	seen   map[frameKey]struct{}
}

func NewParser(maxPayload int) *Parser {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Parser{
		maxPayload: maxPayload,
		seen:       make(map[frameKey]struct{}),
	}
}

// Feed appends data and returns every complete payload now decodable, in
// stream order. A non-nil error means the stream is unrecoverable and the
// caller must drop it.
func (p *Parser) Feed(data []byte) ([][]byte, error) {
	p.buf = append(p.buf, data...)

	var frames [][]byte
	for {
		idx := bytes.Index(p.buf, magic)
		if idx < 0 {
			// No magic in the buffer. Keep the last 7 bytes in case the
			// magic spans a read boundary, drop the rest.
			if len(p.buf) > HeaderSize {
				p.discard(len(p.buf) - (HeaderSize - 1))
			}
			return frames, nil
		}
		if idx > 0 {
			p.discard(idx)
		}
		if len(p.buf) < HeaderSize {
			return frames, nil
		}

		length := binary.BigEndian.Uint32(p.buf[4:HeaderSize])
		if length == 0 {
			return frames, fmt.Errorf("%w at offset %d", ErrEmptyFrame, p.offset)
		}
		if int(length) > p.maxPayload {
			return frames, fmt.Errorf("%w: len=%d max=%d at offset %d", ErrOversizeFrame, length, p.maxPayload, p.offset)
		}
		total := HeaderSize + int(length)
		if len(p.buf) < total {
			return frames, nil
		}

		key := frameKey{offset: p.offset, length: length}
		if _, dup := p.seen[key]; !dup {
			p.seen[key] = struct{}{}
			payload := make([]byte, length)
			copy(payload, p.buf[HeaderSize:total])
			frames = append(frames, payload)
		}
		p.discard(total)
	}
}

// Flush reports whether undecoded bytes remain after the stream ended.
// A non-empty tail is a truncated final frame; the bytes are discarded.
func (p *Parser) Flush() error {
	pending := len(p.buf)
	p.discard(pending)
	if pending > 0 {
		return fmt.Errorf("%w: %d bytes discarded", ErrTruncated, pending)
	}
	return nil
}

// Buffered returns the number of bytes held while waiting for a complete frame.
func (p *Parser) Buffered() int { return len(p.buf) }

func (p *Parser) discard(n int) {
	if n <= 0 {
		return
	}
	if n > len(p.buf) {
		n = len(p.buf)
	}
	p.buf = p.buf[n:]
	p.offset += uint64(n)
	if len(p.buf) == 0 {
		p.buf = nil
	}
}
