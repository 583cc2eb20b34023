package frame

import (
	"errors"
	"fmt"
)

// ErrBufferOverflow is returned by Parser.AddData when the accumulated
// unparsed bytes would exceed the parser ceiling. The buffer is reset.
var ErrBufferOverflow = errors.New("frame: parse buffer overflow")

// ErrUnsafePayload is returned for payloads containing an end marker.
// Such payloads cannot survive a decode because the end-marker scan wins.
var ErrUnsafePayload = errors.New("frame: payload contains an end marker")

// FramingCode classifies why a candidate frame was rejected
type FramingCode int

const (
	CodeNoStartMarker FramingCode = iota + 1
	CodeLengthMismatch
)

func (c FramingCode) String() string {
	switch c {
	case CodeNoStartMarker:
		return "no start marker"
	case CodeLengthMismatch:
		return "length mismatch"
	}
	return "unknown"
}

// FramingError describes a local decode problem. It never tears down a session:
// a missing start marker makes the parser resynchronize, a length mismatch is
// only logged.
type FramingError struct {
	Code   FramingCode
	Offset int
	Msg    string
}

func (e *FramingError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("frame: %s at offset %d", e.Code, e.Offset)
	}
	return fmt.Sprintf("frame: %s at offset %d: %s", e.Code, e.Offset, e.Msg)
}
