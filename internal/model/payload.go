package model

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/jeremywohl/flatten"
)

// JSON is the codec used for webhook payloads. Numbers stay json.Number so
// large ids survive a decode/encode round trip, and map keys are sorted so
// rendered bodies are stable.
var JSON = sonic.Config{
	UseNumber:   true,
	SortMapKeys: true,
}.Froze()

var ErrNotObject = errors.New("payload is not a JSON object")

// Payload is a decoded webhook body.
type Payload map[string]any

// DecodePayload parses raw as a JSON object.
func DecodePayload(raw []byte) (Payload, error) {
	var v any
	if err := JSON.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Payload(m), nil
}

// Lookup resolves a dotted path such as "user.id" or "items.0.sku". A
// top-level key containing dots wins over path traversal.
func (p Payload) Lookup(path string) (any, bool) {
	if v, ok := p[path]; ok {
		return v, true
	}
	var cur any = map[string]any(p)
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Flat returns every leaf of the payload keyed by its dotted path.
func (p Payload) Flat() map[string]any {
	flat, err := flatten.Flatten(map[string]any(p), "", flatten.DotStyle)
	if err != nil {
		return map[string]any{}
	}
	return flat
}

// Project keeps only the listed fields, addressed by dotted path. Missing
// fields are omitted.
func (p Payload) Project(fields []string) Payload {
	out := make(Payload, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if v, ok := p.Lookup(f); ok {
			out[f] = v
		}
	}
	return out
}

// FormatValue renders a payload value as text: strings verbatim, scalars in
// their JSON form, objects and arrays as compact JSON, null as "".
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	s, err := JSON.MarshalToString(v)
	if err != nil {
		return ""
	}
	return s
}
