// Package render turns a flushed batch of webhook messages into the body sent
// to one forwarding destination.
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"

	"github.com/akave-ai/hookbuffer/internal/model"
)

const (
	startTag   = "{{"
	endTag     = "}}"
	ContentKey = "content"
)

// ErrTemplateRender marks problems that degraded a rendered body without
// preventing it. Render still returns a usable body alongside it.
var ErrTemplateRender = errors.New("template render")

// Spec is the rendering part of a forwarding config.
type Spec struct {
	// KeyField is the buffer's filter field; the envelope carries the batch
	// key under this name.
	KeyField string
	Template string
	Fields   []string
}

// Render builds the envelope
//
//	{"<KeyField>": <key of the batch or null>, "content": [item, ...]}
//
// with one item per message in order. With a template each item is the
// template rendered against that message, embedded as JSON when the result
// parses and as a string otherwise. Without one each item is the message,
// projected onto Fields when set.
func Render(spec Spec, messages []json.RawMessage) ([]byte, error) {
	var problems []string

	payloads := make([]model.Payload, len(messages))
	for i, raw := range messages {
		p, err := model.DecodePayload(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("message %d: %v", i, err))
			continue
		}
		payloads[i] = p
	}

	if spec.Template != "" && unclosed(spec.Template) {
		problems = append(problems, "unclosed placeholder in template")
	}

	content := make([]any, len(messages))
	for i, p := range payloads {
		switch {
		case p == nil:
			content[i] = string(messages[i])
		case spec.Template != "":
			content[i] = renderOne(spec.Template, p)
		case len(spec.Fields) > 0:
			content[i] = map[string]any(p.Project(spec.Fields))
		default:
			content[i] = map[string]any(p)
		}
	}

	envelope := map[string]any{ContentKey: content}
	if spec.KeyField != "" {
		envelope[spec.KeyField] = batchKey(spec.KeyField, payloads)
	}

	body, err := model.JSON.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(problems) > 0 {
		return body, fmt.Errorf("%w: %s", ErrTemplateRender, strings.Join(problems, "; "))
	}
	return body, nil
}

// batchKey is the filter field value of the first message carrying it.
// Every message of a batch shares the key, so the first is representative.
func batchKey(field string, payloads []model.Payload) any {
	for _, p := range payloads {
		if p == nil {
			continue
		}
		if v, ok := p.Lookup(field); ok {
			return v
		}
		return nil
	}
	return nil
}

func renderOne(tmpl string, p model.Payload) any {
	flat := p.Flat()
	out := fasttemplate.ExecuteFuncString(tmpl, startTag, endTag, func(w io.Writer, tag string) (int, error) {
		tag = strings.TrimSpace(tag)
		v, ok := flat[tag]
		if !ok {
			v, ok = p.Lookup(tag)
		}
		if !ok {
			return 0, nil
		}
		return w.Write([]byte(model.FormatValue(v)))
	})

	var parsed any
	if err := model.JSON.UnmarshalFromString(out, &parsed); err == nil {
		return parsed
	}
	return out
}

func unclosed(tmpl string) bool {
	return strings.LastIndex(tmpl, startTag) > strings.LastIndex(tmpl, endTag)
}
