package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Frame layout:
//
//	[0x23 0x23][cmd:1][len:2 LE][payload:N][0x24 0x24]
//
// The declared length is informational. Payload boundaries come from the
// end-marker scan.
const (
	HeaderLen  = 5
	TrailerLen = 2
	Overhead   = HeaderLen + TrailerLen
)

// Command types
const (
	CmdString     byte = 0x01 // JSON / text payload
	CmdK900String byte = 0x30 // JSON payload as packed by the K900 MCU firmware
)

var (
	StartMarker = []byte{0x23, 0x23} // "##"
	EndMarker   = []byte{0x24, 0x24} // "$$"
)

// Frame is one decoded protocol unit
type Frame struct {
	Cmd         byte
	Payload     []byte
	DeclaredLen int
}

// LengthMismatch reports whether the header length disagrees with the payload
// actually found between the markers
func (f Frame) LengthMismatch() bool {
	return f.DeclaredLen != len(f.Payload)
}

// LengthError returns a CodeLengthMismatch *FramingError when the header
// length disagrees with the scanned payload, nil otherwise
func (f Frame) LengthError(offset int) error {
	if !f.LengthMismatch() {
		return nil
	}
	return &FramingError{
		Code:   CodeLengthMismatch,
		Offset: offset,
		Msg:    fmt.Sprintf("header says %d bytes, end marker found after %d", f.DeclaredLen, len(f.Payload)),
	}
}

// Status of a decode attempt
type Status int

const (
	StatusOK Status = iota
	StatusIncomplete
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusIncomplete:
		return "incomplete"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// Result is the outcome of Decode. Frame is set only for StatusOK, Err only for StatusInvalid.
type Result struct {
	Status Status
	Frame  Frame
	Err    *FramingError
}

// Encode wraps payload into a frame. No length limit is enforced; payloads
// over 65535 bytes get a truncated length field, which decoders ignore.
func Encode(cmd byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+Overhead)
	out = append(out, StartMarker...)
	out = append(out, cmd)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, payload...)
	out = append(out, EndMarker...)
	return out
}

// Safe returns ErrUnsafePayload if payload could not be decoded back intact.
// A start marker inside the payload is harmless since only the end marker
// terminates a frame.
func Safe(payload []byte) error {
	if bytes.Contains(payload, EndMarker) {
		return ErrUnsafePayload
	}
	return nil
}

// Decode attempts to read one frame starting at offset and returns the number
// of bytes the frame occupies. bytesConsumed is 0 unless the status is StatusOK.
func Decode(buf []byte, offset int) (Result, int) {
	if offset < 0 || offset >= len(buf) {
		return Result{Status: StatusIncomplete}, 0
	}
	rest := buf[offset:]

	if len(rest) < len(StartMarker) {
		if rest[0] == StartMarker[0] {
			return Result{Status: StatusIncomplete}, 0
		}
		return invalid(CodeNoStartMarker, offset, ""), 0
	}
	if !bytes.HasPrefix(rest, StartMarker) {
		return invalid(CodeNoStartMarker, offset, ""), 0
	}
	if len(rest) < Overhead {
		return Result{Status: StatusIncomplete}, 0
	}

	// An end marker overlapping the length header is not a terminator,
	// so the scan starts at the first payload byte.
	end := bytes.Index(rest[HeaderLen:], EndMarker)
	if end < 0 {
		return Result{Status: StatusIncomplete}, 0
	}

	body := rest[HeaderLen : HeaderLen+end]
	payload := make([]byte, len(body))
	copy(payload, body)

	f := Frame{
		Cmd:         rest[2],
		Payload:     payload,
		DeclaredLen: int(binary.LittleEndian.Uint16(rest[3:5])),
	}
	return Result{Status: StatusOK, Frame: f}, HeaderLen + end + TrailerLen
}

func invalid(code FramingCode, offset int, msg string) Result {
	return Result{
		Status: StatusInvalid,
		Err:    &FramingError{Code: code, Offset: offset, Msg: msg},
	}
}
