package gemini

import (
	"encoding/json"
	"math"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
	"github.com/parkseungchul/llmkit/internal/llm"
)

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

func TestBuildPayloadMergesRAGIntoUserTurn(t *testing.T) {
	payload, err := New().BuildPayload(llm.Prepared{
		Model: "gemini-2.5-flash-lite",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "sys"},
			{Role: llm.RoleUser, Content: "Q?"},
		},
		RAG: "R",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := encode(t, payload.Body)
	want := map[string]any{
		"contents": []any{
			map[string]any{"role": "user", "parts": []any{map[string]any{"text": "### Reference Context:\nR\n\n### User Question:\nQ?"}}},
		},
		"systemInstruction": map[string]any{"parts": []any{map[string]any{"text": "sys"}}},
	}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatalf("unexpected payload (-want +got):\n%s", diff)
	}
}

func TestBuildPayloadNoRAGNoConfig(t *testing.T) {
	payload, _ := New().BuildPayload(llm.Prepared{
		Model:    "m",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Q?"}},
	})
	body := encode(t, payload.Body)
	if _, ok := body["generationConfig"]; ok {
		t.Fatalf("generationConfig must be omitted when nothing is set: %v", body)
	}
	if _, ok := body["systemInstruction"]; ok {
		t.Fatalf("systemInstruction must be omitted without system messages: %v", body)
	}
	contents := body["contents"].([]any)
	text := contents[0].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"]
	if text != "Q?" {
		t.Fatalf("user text must be untouched, got %v", text)
	}
}

func TestBuildPayloadRolesAndSystemInstruction(t *testing.T) {
	payload, _ := New().BuildPayload(llm.Prepared{
		Model: "m",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "a"},
			{Role: llm.RoleDeveloper, Content: "b"},
			{Role: llm.RoleUser, Content: "first"},
			{Role: llm.RoleAssistant, Content: "reply"},
			{Role: llm.RoleUser, Content: "second"},
		},
		RAG: "ctx",
	})
	req := payload.Body.(GenerateRequest)
	if got := req.SystemInstruction.Parts[0].Text; got != "a\n\nb" {
		t.Fatalf("unexpected system instruction %q", got)
	}
	roles := make([]string, 0, len(req.Contents))
	for _, c := range req.Contents {
		roles = append(roles, c.Role)
	}
	if diff := cmp.Diff([]string{"user", "model", "user"}, roles); diff != "" {
		t.Fatalf("unexpected roles: %s", diff)
	}
	if req.Contents[0].Parts[0].Text != "first" {
		t.Fatalf("only the last user turn may be rewritten")
	}
	if got := req.Contents[2].Parts[0].Text; got != "### Reference Context:\nctx\n\n### User Question:\nsecond" {
		t.Fatalf("unexpected merged text %q", got)
	}
}

func TestBuildPayloadAppendsUserTurnWithoutQuestion(t *testing.T) {
	payload, _ := New().BuildPayload(llm.Prepared{
		Model:    "m",
		Messages: []llm.Message{{Role: llm.RoleSystem, Content: "sys"}},
		RAG:      "ctx",
	})
	req := payload.Body.(GenerateRequest)
	if len(req.Contents) != 1 || req.Contents[0].Parts[0].Text != "### Reference Context:\nctx" {
		t.Fatalf("unexpected contents: %+v", req.Contents)
	}
}

func TestBuildPayloadGenerationConfig(t *testing.T) {
	maxTokens, temp, topP := 128, 0.7, 0.9
	payload, _ := New().BuildPayload(llm.Prepared{
		Model:      "m",
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "q"}},
		Options:    llm.Options{MaxTokens: &maxTokens, Temperature: &temp, TopP: &topP},
		ReturnJSON: true,
	})
	body := encode(t, payload.Body)
	want := map[string]any{
		"maxOutputTokens":  128.0,
		"temperature":      0.7,
		"topP":             0.9,
		"responseMimeType": "application/json",
	}
	if diff := cmp.Diff(want, body["generationConfig"]); diff != "" {
		t.Fatalf("unexpected generationConfig (-want +got):\n%s", diff)
	}
}

func TestBuildPayloadClampsMaxTokens(t *testing.T) {
	huge := math.MaxInt32 + 10
	payload, _ := New().BuildPayload(llm.Prepared{
		Model:    "m",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "q"}},
		Options:  llm.Options{MaxTokens: &huge},
	})
	body := encode(t, payload.Body)
	cfg, _ := body["generationConfig"].(map[string]any)
	if cfg["maxOutputTokens"] != float64(math.MaxInt32) {
		t.Fatalf("expected maxOutputTokens clamped to %d, got %v", math.MaxInt32, cfg["maxOutputTokens"])
	}
}

func TestEndpointAndAuthorize(t *testing.T) {
	p := New()
	got := p.Endpoint("https://generativelanguage.googleapis.com/v1beta/", "gemini-2.5-flash-lite")
	if got != "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash-lite:generateContent" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	h := http.Header{}
	p.Authorize(h, "g-key")
	if h.Get("x-goog-api-key") != "g-key" || h.Get("Authorization") != "" {
		t.Fatalf("unexpected headers: %v", h)
	}
}

func TestExtractText(t *testing.T) {
	raw := []byte(`{
		"candidates": [{"content": {"role": "model", "parts": [{"text": "hi there"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 4, "totalTokenCount": 7}
	}`)
	got, err := New().ExtractText(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := llm.Extracted{Text: "hi there", FinishReason: "STOP", Usage: &llm.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected extraction (-want +got):\n%s", diff)
	}
}

func TestExtractTextToleratesUnrelatedFieldTypes(t *testing.T) {
	for name, raw := range map[string]string{
		"bogus createTime":  `{"createTime":"bogus","candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}]}`,
		"numeric modelVer":  `{"modelVersion":7,"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`,
		"odd usageMetadata": `{"candidates":[{"content":{"parts":[{"text":"hi"}]}}],"usageMetadata":{"totalTokenCount":"many"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			got, err := New().ExtractText([]byte(raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Text != "hi" || got.Usage != nil {
				t.Fatalf("unexpected extraction %+v", got)
			}
		})
	}
}

func TestExtractTextShapeMismatch(t *testing.T) {
	for _, raw := range []string{
		`{"candidates": []}`,
		`{"candidates": [{"finishReason": "SAFETY"}]}`,
		`{"candidates": [{"content": {"parts": []}}]}`,
		`{"candidates": [{"content": {"parts": [{"inlineData": {}}]}}]}`,
		`{"candidates": [{"content": {"parts": [{"text": 1}]}}]}`,
		`{"promptFeedback": {"blockReason": "SAFETY"}}`,
	} {
		if _, err := New().ExtractText([]byte(raw)); xerrors.CodeOf(err) != xerrors.CodeShapeMismatch {
			t.Fatalf("%s: expected SHAPE_MISMATCH, got %v", raw, err)
		}
	}
}
