package openai

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
	"github.com/parkseungchul/llmkit/internal/llm"
)

func prepared(rag string) llm.Prepared {
	return llm.Prepared{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are helpful."},
			{Role: llm.RoleUser, Content: "  What is the refund window?\n"},
		},
		RAG: rag,
	}
}

func encode(t *testing.T, body any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return out
}

func TestBuildPayloadInjectsDeveloperMessage(t *testing.T) {
	payload, err := New("openai").BuildPayload(prepared("Refunds within 30 days."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := payload.Body.(ChatRequest)
	want := []chatMessage{
		{Role: "system", Content: "You are helpful."},
		{Role: "developer", Content: "Refunds within 30 days."},
		{Role: "user", Content: "  What is the refund window?\n"},
	}
	if diff := cmp.Diff(want, req.Messages); diff != "" {
		t.Fatalf("unexpected messages (-want +got):\n%s", diff)
	}
}

func TestBuildPayloadNoRAG(t *testing.T) {
	payload, err := New("ytl").BuildPayload(prepared(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := payload.Body.(ChatRequest)
	if len(req.Messages) != 2 {
		t.Fatalf("empty rag must not add messages: %+v", req.Messages)
	}
	body := encode(t, req)
	for _, key := range []string{"max_tokens", "temperature", "top_p", "response_format"} {
		if _, ok := body[key]; ok {
			t.Fatalf("unset field %s must be omitted: %v", key, body)
		}
	}
	if payload.Provider != "ytl" || payload.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected payload meta: %+v", payload)
	}
}

func TestBuildPayloadInsertsAfterLastSystem(t *testing.T) {
	in := prepared("ctx")
	in.Messages = []llm.Message{
		{Role: llm.RoleSystem, Content: "a"},
		{Role: llm.RoleSystem, Content: "b"},
		{Role: llm.RoleUser, Content: "q"},
	}
	payload, _ := New("openai").BuildPayload(in)
	msgs := payload.Body.(ChatRequest).Messages
	if msgs[2].Role != "developer" || msgs[3].Role != "user" {
		t.Fatalf("developer message must follow the last system message: %+v", msgs)
	}
}

func TestBuildPayloadOptionsAndJSON(t *testing.T) {
	maxTokens, temp, topP := 256, 0.0, 0.5
	in := prepared("")
	in.Options = llm.Options{MaxTokens: &maxTokens, Temperature: &temp, TopP: &topP}
	in.ReturnJSON = true

	payload, _ := New("openai").BuildPayload(in)
	body := encode(t, payload.Body)
	want := map[string]any{
		"max_tokens":      256.0,
		"temperature":     0.0,
		"top_p":           0.5,
		"response_format": map[string]any{"type": "json_object"},
	}
	for key, value := range want {
		if diff := cmp.Diff(value, body[key]); diff != "" {
			t.Fatalf("field %s mismatch (-want +got):\n%s", key, diff)
		}
	}
}

func TestEndpointAndAuthorize(t *testing.T) {
	p := New("openai")
	if got := p.Endpoint(" https://api.openai.com/v1/chat/completions ", "ignored"); got != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	h := http.Header{}
	p.Authorize(h, "sk")
	if h.Get("Authorization") != "Bearer sk" {
		t.Fatalf("unexpected authorization header %q", h.Get("Authorization"))
	}
}

func TestExtractText(t *testing.T) {
	raw := []byte(`{
		"id": "chatcmpl-1",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
	}`)
	got, err := New("openai").ExtractText(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := llm.Extracted{Text: "hello", FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected extraction (-want +got):\n%s", diff)
	}
}

func TestExtractTextToleratesUnrelatedFieldTypes(t *testing.T) {
	for name, raw := range map[string]string{
		"fractional created": `{"id":"x","created":1700000000.5,"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}]}`,
		"numeric id":         `{"id":123,"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}]}`,
		"odd usage":          `{"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}],"usage":{"total_tokens":"many"}}`,
		"odd finish_reason":  `{"choices":[{"message":{"content":"hello"},"finish_reason":{"kind":"stop"}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			got, err := New("openai").ExtractText([]byte(raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Text != "hello" {
				t.Fatalf("unexpected text %q", got.Text)
			}
		})
	}
}

func TestExtractTextContentParts(t *testing.T) {
	raw := []byte(`{"choices":[{"message":{"content":[{"type":"text","text":"he"},{"type":"text","text":"llo"}]}}]}`)
	got, err := New("openai").ExtractText(raw)
	if err != nil || got.Text != "hello" {
		t.Fatalf("unexpected extraction %+v, %v", got, err)
	}
}

func TestExtractTextShapeMismatch(t *testing.T) {
	for _, raw := range []string{
		`{"choices": []}`,
		`{"choices": [{"message": {"role": "assistant"}}]}`,
		`{"choices": [{"message": {"content": null}}]}`,
		`{"choices": [{"message": {"content": 42}}]}`,
		`{"error": {"message": "nope"}}`,
		`[1,2]`,
	} {
		if _, err := New("openai").ExtractText([]byte(raw)); xerrors.CodeOf(err) != xerrors.CodeShapeMismatch {
			t.Fatalf("%s: expected SHAPE_MISMATCH, got %v", raw, err)
		}
	}
}
