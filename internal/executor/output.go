package executor

import (
	"bytes"
	"io"
	"unicode/utf8"

	"github.com/docker/docker/pkg/stdcopy"
)

// TruncationMarker is appended once to output that hit the byte ceiling.
const TruncationMarker = "\n... (output truncated)"

// Output is the text captured from one environment.
type Output struct {
	// Text is the combined payload in arrival order, ending with
	// TruncationMarker when Truncated is set.
	Text      string
	Bytes     int64 // payload bytes produced by the program, including dropped ones
	Truncated bool
}

// Collector reads an environment's output stream.
//
// The stream is framed: every frame starts with an 8-byte header (stream id,
// three zero bytes, big-endian uint32 payload length) followed by the payload.
// Frames are parsed by length, never by read boundaries, so a read that
// carries several frames or a frame split over several reads decodes the same.
// Stdout and stderr payloads are merged into one buffer in the order they
// arrive.
type Collector struct {
	limit int64
}

// NewCollector returns a Collector that keeps at most limit payload bytes.
func NewCollector(limit int64) *Collector {
	return &Collector{limit: limit}
}

// Collect consumes r until EOF or error. The Output is valid even when an
// error is returned; it holds everything decoded before the failure.
func (c *Collector) Collect(r io.Reader) (Output, error) {
	buf := &ceilingBuffer{limit: c.limit}
	// Both streams share one writer; stdcopy writes each payload as it is
	// decoded, which preserves arrival order.
	_, err := stdcopy.StdCopy(buf, buf, r)
	return buf.output(), err
}

// ceilingBuffer keeps the first limit bytes written to it and counts the rest.
// It never fails a write, so the producer is always drained and cannot block
// on a full pipe.
type ceilingBuffer struct {
	buf     bytes.Buffer
	limit   int64
	total   int64
	dropped bool
}

func (b *ceilingBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))
	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		if len(p) > 0 {
			b.dropped = true
		}
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.dropped = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *ceilingBuffer) output() Output {
	out := Output{Bytes: b.total, Truncated: b.dropped}
	data := b.buf.Bytes()
	if b.dropped {
		data = trimPartialRune(data)
		out.Text = string(data) + TruncationMarker
		return out
	}
	out.Text = string(data)
	return out
}

// trimPartialRune drops an incomplete UTF-8 sequence left at the end of data
// by cutting at the ceiling.
func trimPartialRune(data []byte) []byte {
	for i := 1; i <= utf8.UTFMax && i <= len(data); i++ {
		start := len(data) - i
		if !utf8.RuneStart(data[start]) {
			continue
		}
		if !utf8.FullRune(data[start:]) {
			return data[:start]
		}
		break
	}
	return data
}
