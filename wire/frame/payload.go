package frame

import (
	"bytes"
	"encoding/json"
)

// Kind tells which variant of ParseResult is populated
type Kind int

const (
	KindJSON Kind = iota
	KindPlainText
)

func (k Kind) String() string {
	if k == KindJSON {
		return "json"
	}
	return "text"
}

// ParseResult is the typed interpretation of a frame payload: either a JSON
// object or a plain-text command (the K900 dialect).
type ParseResult struct {
	Kind   Kind
	Object map[string]any
	Text   string

	// Body carries the "B" field of a full K900 command {"C":..,"V":..,"B":..}
	Body string
	// Wrapped is set when the payload arrived inside a {"C": ...} wrapper
	Wrapped bool
}

// JSON builds a KindJSON result
func JSON(obj map[string]any) ParseResult {
	return ParseResult{Kind: KindJSON, Object: obj}
}

// PlainText builds a KindPlainText result
func PlainText(text string) ParseResult {
	return ParseResult{Kind: KindPlainText, Text: text}
}

// Type returns the envelope "type" field, or "" for plain text and untyped objects
func (r ParseResult) Type() string {
	if r.Kind != KindJSON {
		return ""
	}
	t, _ := r.Object["type"].(string)
	return t
}

// ParsePayload interprets a payload without ever failing. A JSON object whose
// "C" field is a string is unwrapped once: the inner string becomes the JSON
// result if it parses as an object, otherwise a plain-text command. The
// inner value is never unwrapped again.
func ParsePayload(payload []byte) ParseResult {
	trimmed := bytes.Trim(payload, " \t\r\n\x00")

	obj, ok := parseObject(trimmed)
	if !ok {
		return PlainText(string(trimmed))
	}

	inner, isString := obj["C"].(string)
	if !isString {
		return JSON(obj)
	}

	var res ParseResult
	if innerObj, ok := parseObject([]byte(inner)); ok {
		res = JSON(innerObj)
	} else {
		res = PlainText(inner)
	}
	res.Wrapped = true
	res.Body = bodyString(obj["B"])
	return res
}

// WrapC produces {"C": "<inner>"} as sent to K900 firmware
func WrapC(inner []byte) ([]byte, error) {
	return json.Marshal(map[string]string{"C": string(inner)})
}

// LooksLikeJSON reports whether data starts like a bare JSON object,
// used for peers that skip framing entirely
func LooksLikeJSON(data []byte) bool {
	t := bytes.TrimLeft(data, " \t\r\n")
	return len(t) > 0 && t[0] == '{'
}

func parseObject(data []byte) (map[string]any, bool) {
	if len(data) == 0 || data[0] != '{' {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func bodyString(v any) string {
	switch b := v.(type) {
	case nil:
		return ""
	case string:
		return b
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
