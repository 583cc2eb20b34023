package frame

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestParsePayloadJSON(t *testing.T) {
	res := ParsePayload([]byte(`{"type":"take_photo","requestId":"r1"}`))

	assert.Equal(t, res.Kind, KindJSON)
	assert.Equal(t, res.Type(), "take_photo")
	assert.Equal(t, res.Object["requestId"], "r1")
	assert.Assert(t, !res.Wrapped)
}

func TestParsePayloadCWrappedJSON(t *testing.T) {
	res := ParsePayload([]byte(`{"C":"{\"type\":\"start_video_recording\",\"requestId\":\"v1\"}"}`))

	assert.Equal(t, res.Kind, KindJSON)
	assert.Equal(t, res.Type(), "start_video_recording")
	assert.Equal(t, res.Object["requestId"], "v1")
	assert.Assert(t, res.Wrapped)
}

func TestParsePayloadCWrappedPlainText(t *testing.T) {
	res := ParsePayload([]byte(`{"C":"cs_pho"}`))

	assert.Equal(t, res.Kind, KindPlainText)
	assert.Equal(t, res.Text, "cs_pho")
	assert.Assert(t, res.Wrapped)
}

func TestParsePayloadFullK900Command(t *testing.T) {
	res := ParsePayload([]byte(`{"C":"cs_vdo","V":1,"B":{"duration":10}}`))

	assert.Equal(t, res.Kind, KindPlainText)
	assert.Equal(t, res.Text, "cs_vdo")
	assert.Equal(t, res.Body, `{"duration":10}`)
}

func TestParsePayloadUnwrapsOnlyOnce(t *testing.T) {
	// Inner payload is itself a C wrapper; it stays as a JSON object
	res := ParsePayload([]byte(`{"C":"{\"C\":\"cs_pho\"}"}`))

	assert.Equal(t, res.Kind, KindJSON)
	assert.Equal(t, res.Object["C"], "cs_pho")
}

func TestParsePayloadPlainText(t *testing.T) {
	cases := map[string]string{
		"cs_pho":        "cs_pho",
		"hm_htsp\r\n":   "hm_htsp",
		"{not json":     "{not json",
		"mh_htsp\x00":   "mh_htsp",
		"":              "",
		`{"C": 42}junk`: `{"C": 42}junk`,
	}
	for in, want := range cases {
		res := ParsePayload([]byte(in))
		if res.Kind != KindPlainText {
			t.Errorf("%q: expected plain text, got %v", in, res.Kind)
			continue
		}
		if res.Text != want {
			t.Errorf("%q: expected %q, got %q", in, want, res.Text)
		}
	}
}

func TestParsePayloadNonStringC(t *testing.T) {
	res := ParsePayload([]byte(`{"C":5,"type":"ping"}`))

	assert.Equal(t, res.Kind, KindJSON)
	assert.Equal(t, res.Type(), "ping")
	assert.Assert(t, !res.Wrapped)
}

func TestWrapC(t *testing.T) {
	wrapped, err := WrapC([]byte(`{"type":"pong"}`))
	assert.NilError(t, err)

	res := ParsePayload(wrapped)
	assert.Equal(t, res.Type(), "pong")
	assert.Assert(t, res.Wrapped)
}

func TestLooksLikeJSON(t *testing.T) {
	assert.Assert(t, LooksLikeJSON([]byte(`  {"type":"ping"}`)))
	assert.Assert(t, !LooksLikeJSON([]byte("##")))
	assert.Assert(t, !LooksLikeJSON(nil))
}
