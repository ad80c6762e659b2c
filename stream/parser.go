// Package stream turns the raw byte output of the CLI subprocess into typed
// messages. The CLI emits one JSON document per line in stream-json mode,
// with a lone "$" line marking the end of a message turn. Chunks arrive from
// the pipe at arbitrary boundaries, so the parser buffers partial frames and
// only splits where a terminator is structurally valid.
package stream

import (
	"errors"
	"strings"
)

// MaxBufferSize caps the internal buffer. A frame larger than this is
// discarded so a runaway subprocess cannot exhaust memory.
const MaxBufferSize = 100_000

// stopTerminator marks the end of a message turn. It can also legally appear
// inside JSON string values, so the parser only honors it at brace depth zero
// outside of strings.
const stopTerminator = '$'

// ErrFrameTooLarge is returned by Feed when a single frame exceeds
// MaxBufferSize. The oversized data is dropped and the parser keeps
// working on subsequent input.
var ErrFrameTooLarge = errors.New("stream: frame exceeds buffer limit")

// Frame is one extracted unit of the stream: either a complete JSON document
// or a stop marker.
type Frame struct {
	Raw  string
	Stop bool
}

// Parser extracts frames from an incrementally fed byte stream.
// Not safe for concurrent use; each subprocess pump owns one Parser.
type Parser struct {
	buf strings.Builder

	// JSON scanning state for the frame currently being buffered.
	inString bool
	escaped  bool
	depth    int
	jsonMode bool // first byte of the frame was '{' or '['
	started  bool // seen at least one non-whitespace byte

	// discarding drops bytes of an oversized frame until its boundary,
	// keeping the scan state so a terminator inside one of its strings is
	// still treated as payload.
	discarding bool
}

// NewParser returns an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends a chunk and returns every frame completed by it.
// Splitting the same input at different chunk boundaries always yields the
// same frames. A non-nil error reports an oversized frame; only that frame
// is lost, and every other frame completed by the chunk is still returned.
func (p *Parser) Feed(chunk []byte) ([]Frame, error) {
	var frames []Frame
	var err error

	for _, b := range chunk {
		c := byte(b)

		if p.discarding {
			if p.isBoundary(c) {
				p.reset()
				if c == stopTerminator {
					frames = append(frames, Frame{Stop: true})
				}
				continue
			}
			p.scan(c)
			continue
		}

		if !p.started {
			// Leading whitespace between frames is insignificant, but a
			// bare terminator still marks a stop.
			switch c {
			case ' ', '\t', '\r', '\n':
				continue
			case stopTerminator:
				frames = append(frames, Frame{Stop: true})
				continue
			}
			p.started = true
			p.jsonMode = c == '{' || c == '['
		}

		if p.isBoundary(c) {
			if frame, ok := p.takeFrame(); ok {
				frames = append(frames, frame)
			}
			if c == stopTerminator {
				frames = append(frames, Frame{Stop: true})
			}
			continue
		}

		p.scan(c)
		p.buf.WriteByte(c)

		if p.buf.Len() > MaxBufferSize {
			// Drop the frame but keep scanning for its boundary so the
			// bytes after it are not lost.
			p.buf.Reset()
			p.discarding = true
			err = ErrFrameTooLarge
		}
	}

	return frames, err
}

// isBoundary reports whether c terminates the current frame. Terminators
// inside strings or nested structures are payload, not boundaries.
func (p *Parser) isBoundary(c byte) bool {
	if c != '\n' && c != stopTerminator {
		return false
	}
	if !p.jsonMode {
		// Non-JSON lines (stray diagnostics) split on any terminator.
		return true
	}
	return !p.inString && p.depth == 0
}

// scan advances the JSON scanning state by one byte.
func (p *Parser) scan(c byte) {
	if !p.jsonMode {
		return
	}
	if p.escaped {
		p.escaped = false
		return
	}
	if p.inString {
		switch c {
		case '\\':
			p.escaped = true
		case '"':
			p.inString = false
		}
		return
	}
	switch c {
	case '"':
		p.inString = true
	case '{', '[':
		p.depth++
	case '}', ']':
		if p.depth > 0 {
			p.depth--
		}
	}
}

// takeFrame drains the buffer into a Frame. Returns false for an empty or
// all-whitespace buffer.
func (p *Parser) takeFrame() (Frame, bool) {
	raw := strings.TrimSpace(p.buf.String())
	p.reset()
	if raw == "" {
		return Frame{}, false
	}
	return Frame{Raw: raw}, true
}

// reset clears the buffer and scanning state for the next frame.
func (p *Parser) reset() {
	p.buf.Reset()
	p.inString = false
	p.escaped = false
	p.depth = 0
	p.jsonMode = false
	p.started = false
	p.discarding = false
}

// Pending returns the number of buffered bytes belonging to an incomplete
// frame. Useful for diagnostics when a stream ends mid-frame.
func (p *Parser) Pending() int {
	return p.buf.Len()
}
