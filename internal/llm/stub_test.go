package llm

import (
	"encoding/json"
	"net/http"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
)

// stubProvider 读取 {"text": "..."} 格式的响应。
type stubProvider struct {
	name string
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) BuildPayload(p Prepared) (Payload, error) {
	return Payload{Provider: s.name, Model: p.Model, Body: map[string]any{"model": p.Model}}, nil
}

func (s stubProvider) Endpoint(base, model string) string { return base + "/" + model }

func (s stubProvider) Authorize(h http.Header, key string) { h.Set("X-Key", key) }

func (s stubProvider) ExtractText(raw []byte) (Extracted, error) {
	var body struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Text == nil {
		return Extracted{}, xerrors.New(xerrors.CodeShapeMismatch, "missing text")
	}
	return Extracted{Text: *body.Text, FinishReason: "stop"}, nil
}
