package frame

import (
	"bytes"
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func payloads(frames []Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, string(f.Payload))
	}
	return out
}

func TestParserResyncAfterGarbage(t *testing.T) {
	p := NewParser(0)

	stream := []byte{0xFF, 0xFF, 0x23, 0x23, 0x01, 0x02, 0x00, 'h', 'i', 0x24, 0x24}
	assert.NilError(t, p.AddData(stream))

	frames := p.ParseMessages()
	assert.Equal(t, len(frames), 1)
	assert.Equal(t, string(frames[0].Payload), "hi")
	assert.Equal(t, p.Len(), 0)
	assert.Equal(t, p.Discarded(), 2)
}

func TestParserFragmentedDelivery(t *testing.T) {
	p := NewParser(0)

	assert.NilError(t, p.AddData([]byte{0x23, 0x23, 0x01, 0x05, 0x00, 'h', 'e'}))
	frames := p.ParseMessages()
	assert.Equal(t, len(frames), 0)
	assert.Equal(t, p.Len(), 7)

	assert.NilError(t, p.AddData([]byte{'l', 'l', 'o', 0x24, 0x24}))
	frames = p.ParseMessages()
	assert.Equal(t, len(frames), 1)
	assert.Equal(t, string(frames[0].Payload), "hello")
	assert.Equal(t, p.Len(), 0)
}

func TestParserAnySplitYieldsSameMessages(t *testing.T) {
	var stream []byte
	want := []string{`{"type":"ping"}`, "cs_pho", `{"C":"{\"type\":\"phone_ready\"}"}`}
	for _, w := range want {
		stream = append(stream, Encode(CmdString, []byte(w))...)
	}
	// Some leading noise and a lone '#' between frames
	noisy := append([]byte{0x00, '#', 0x10}, stream...)

	for split := 0; split <= len(noisy); split++ {
		p := NewParser(0)
		var got []Frame

		assert.NilError(t, p.AddData(noisy[:split]))
		got = append(got, p.ParseMessages()...)
		assert.NilError(t, p.AddData(noisy[split:]))
		got = append(got, p.ParseMessages()...)

		if len(got) != len(want) {
			t.Fatalf("split at %d: expected %d frames, got %d (%q)", split, len(want), len(got), payloads(got))
		}
		for i := range want {
			if string(got[i].Payload) != want[i] {
				t.Errorf("split at %d frame %d: expected %q, got %q", split, i, want[i], got[i].Payload)
			}
		}
	}
}

func TestParserByteAtATime(t *testing.T) {
	p := NewParser(0)
	stream := append(Encode(CmdString, []byte("one")), Encode(CmdString, []byte("two"))...)

	var got []Frame
	for _, b := range stream {
		assert.NilError(t, p.AddData([]byte{b}))
		got = append(got, p.ParseMessages()...)
	}

	assert.DeepEqual(t, payloads(got), []string{"one", "two"})
}

func TestParserPayloadWithStartMarker(t *testing.T) {
	p := NewParser(0)

	payload := `{"type":"ping","note":"## hi"}`
	assert.NilError(t, p.AddData(Encode(CmdString, []byte(payload))))
	assert.NilError(t, p.AddData(Encode(CmdString, []byte("next"))))

	frames := p.ParseMessages()
	assert.DeepEqual(t, payloads(frames), []string{payload, "next"})
	assert.Equal(t, p.Resyncs(), 0)
	assert.Equal(t, p.Discarded(), 0)
	assert.Equal(t, p.Len(), 0)
}

func TestParserTruncatedFrameThenFresh(t *testing.T) {
	p := NewParser(0)

	// A frame whose tail was lost runs on to the next end marker
	assert.NilError(t, p.AddData([]byte{0x23, 0x23, 0x01, 0x09, 0x00, 'l', 'o', 's'}))
	assert.Equal(t, len(p.ParseMessages()), 0)

	assert.NilError(t, p.AddData(Encode(CmdString, []byte("fresh"))))
	frames := p.ParseMessages()
	assert.Equal(t, len(frames), 1)
	assert.Assert(t, bytes.HasSuffix(frames[0].Payload, []byte("fresh")))
	assert.Equal(t, p.Mismatches(), 1)

	// The stream is aligned again afterwards
	assert.NilError(t, p.AddData(Encode(CmdString, []byte("after"))))
	assert.DeepEqual(t, payloads(p.ParseMessages()), []string{"after"})
	assert.Equal(t, p.Mismatches(), 1)
}

func TestParserCeiling(t *testing.T) {
	p := NewParser(16)

	// Start marker with no end keeps the parser waiting
	assert.NilError(t, p.AddData([]byte{0x23, 0x23, 0x01, 0x00, 0x00, 'a', 'b'}))
	assert.Equal(t, len(p.ParseMessages()), 0)

	err := p.AddData(bytes.Repeat([]byte("x"), 10))
	assert.Assert(t, errors.Is(err, ErrBufferOverflow))
	assert.Equal(t, p.Len(), 0)
	assert.Equal(t, p.Overflows(), 1)

	// Parser is usable after the reset
	assert.NilError(t, p.AddData(Encode(CmdString, []byte("ok"))))
	assert.DeepEqual(t, payloads(p.ParseMessages()), []string{"ok"})
}

func TestParserClear(t *testing.T) {
	p := NewParser(0)
	assert.NilError(t, p.AddData([]byte{0x23, 0x23, 0x01}))
	p.Clear()
	assert.Equal(t, p.Len(), 0)
}
