package frame

import (
	"bytes"
	"fmt"

	"github.com/user/glasslink/logger"
)

// DefaultCeiling bounds the bytes a parser holds while waiting for an end marker
const DefaultCeiling = 64 * 1024

// Parser accumulates transport chunks and extracts complete frames.
// It is not safe for concurrent use; the owning session serializes access.
type Parser struct {
	buf     []byte
	ceiling int
	prefix  string

	resyncs    int
	discarded  int
	overflows  int
	mismatches int
}

// NewParser creates a parser. ceiling <= 0 selects DefaultCeiling.
func NewParser(ceiling int) *Parser {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Parser{
		buf:     make([]byte, 0, 1024),
		ceiling: ceiling,
		prefix:  "frame",
	}
}

// SetLogPrefix tags log lines with the owning session
func (p *Parser) SetLogPrefix(prefix string) {
	p.prefix = prefix
}

// AddData appends a chunk. When the buffer would exceed the ceiling the
// buffered bytes and the chunk are dropped and ErrBufferOverflow is returned.
func (p *Parser) AddData(chunk []byte) error {
	if len(p.buf)+len(chunk) > p.ceiling {
		dropped := len(p.buf) + len(chunk)
		p.buf = p.buf[:0]
		p.overflows++
		logger.Warn(p.prefix, "Parse buffer overflow, dropped %d bytes (ceiling %d)", dropped, p.ceiling)
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrBufferOverflow, dropped, p.ceiling)
	}
	p.buf = append(p.buf, chunk...)
	return nil
}

// ParseMessages extracts every complete frame in arrival order. Bytes that
// cannot start a frame are skipped; an incomplete tail is retained.
func (p *Parser) ParseMessages() []Frame {
	var frames []Frame
	pos := 0

	for pos < len(p.buf) {
		res, n := Decode(p.buf, pos)
		switch res.Status {
		case StatusOK:
			if err := res.Frame.LengthError(pos); err != nil {
				p.mismatches++
				logger.Debug(p.prefix, "%v, using end marker", err)
			}
			logger.Trace(p.prefix, "Frame cmd=0x%02X payload=%d bytes", res.Frame.Cmd, len(res.Frame.Payload))
			frames = append(frames, res.Frame)
			pos += n

		case StatusIncomplete:
			p.compact(pos)
			return frames

		case StatusInvalid:
			// Resync: everything up to the next possible start byte is noise
			next := bytes.IndexByte(p.buf[pos+1:], StartMarker[0])
			skip := len(p.buf) - pos
			if next >= 0 {
				skip = next + 1
			}
			p.resyncs++
			p.discarded += skip
			pos += skip
		}
	}

	p.compact(pos)
	return frames
}

func (p *Parser) compact(pos int) {
	if pos == 0 {
		return
	}
	p.buf = append(p.buf[:0], p.buf[pos:]...)
}

// Clear drops all buffered bytes
func (p *Parser) Clear() {
	p.buf = p.buf[:0]
}

// Len returns the number of buffered, unparsed bytes
func (p *Parser) Len() int {
	return len(p.buf)
}

// Resyncs counts how many times the parser skipped past a bad start
func (p *Parser) Resyncs() int {
	return p.resyncs
}

// Discarded counts bytes dropped during resynchronization
func (p *Parser) Discarded() int {
	return p.discarded
}

// Overflows counts ceiling breaches
func (p *Parser) Overflows() int {
	return p.overflows
}

// Mismatches counts frames whose length header disagreed with the end marker
func (p *Parser) Mismatches() int {
	return p.mismatches
}
