package openai

import (
	"encoding/json"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
	"github.com/parkseungchul/llmkit/internal/llm"
)

// Provider 实现 Chat Completions 协议，openai 与 ytl 共用。
type Provider struct {
	name string
}

// New 创建指定名称的 Chat Completions 服务商。
func New(name string) *Provider {
	return &Provider{name: llm.NormalizeProviderName(name)}
}

func (p *Provider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 是 /chat/completions 的请求体。未设置的参数不会出现在 JSON 中。
type ChatRequest struct {
	Model          string                                 `json:"model"`
	Messages       []chatMessage                          `json:"messages"`
	MaxTokens      *int                                   `json:"max_tokens,omitempty"`
	Temperature    *float64                               `json:"temperature,omitempty"`
	TopP           *float64                               `json:"top_p,omitempty"`
	ResponseFormat *goopenai.ChatCompletionResponseFormat `json:"response_format,omitempty"`
}

// BuildPayload 构建请求体。RAG 非空时，在最后一条 system 消息之后插入一条 developer 消息。
func (p *Provider) BuildPayload(in llm.Prepared) (llm.Payload, error) {
	messages := make([]chatMessage, 0, len(in.Messages)+1)
	for _, m := range in.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	if in.RAG != "" {
		at := 0
		for i, m := range messages {
			if m.Role == goopenai.ChatMessageRoleSystem {
				at = i + 1
			}
		}
		rag := chatMessage{Role: goopenai.ChatMessageRoleDeveloper, Content: in.RAG}
		messages = append(messages[:at], append([]chatMessage{rag}, messages[at:]...)...)
	}

	req := ChatRequest{
		Model:       in.Model,
		Messages:    messages,
		MaxTokens:   in.Options.MaxTokens,
		Temperature: in.Options.Temperature,
		TopP:        in.Options.TopP,
	}
	if in.ReturnJSON {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return llm.Payload{Provider: p.name, Model: in.Model, Body: req}, nil
}

// Endpoint 对 Chat Completions 而言就是完整的 URL。
func (p *Provider) Endpoint(base, _ string) string {
	return strings.TrimSpace(base)
}

func (p *Provider) Authorize(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

type probe struct {
	Choices []struct {
		Message      map[string]json.RawMessage `json:"message"`
		FinishReason json.RawMessage            `json:"finish_reason"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

// ExtractText 读取 choices[0].message.content。finish_reason 和 usage 尽力解析，
// 其余字段的类型与文本提取无关。
func (p *Provider) ExtractText(raw []byte) (llm.Extracted, error) {
	var shape probe
	if err := json.Unmarshal(raw, &shape); err != nil {
		return llm.Extracted{}, xerrors.Wrap(xerrors.CodeShapeMismatch, err, "响应不是 Chat Completions 格式")
	}
	if len(shape.Choices) == 0 {
		return llm.Extracted{}, xerrors.New(xerrors.CodeShapeMismatch, "响应中缺少 choices[0]")
	}
	choice := shape.Choices[0]
	content, ok := choice.Message["content"]
	if !ok || string(content) == "null" {
		return llm.Extracted{}, xerrors.New(xerrors.CodeShapeMismatch, "响应中缺少 choices[0].message.content")
	}
	text, err := contentText(content)
	if err != nil {
		return llm.Extracted{}, xerrors.Wrap(xerrors.CodeShapeMismatch, err, "choices[0].message.content 既不是字符串也不是内容片段数组")
	}

	out := llm.Extracted{Text: text}
	var reason goopenai.FinishReason
	if json.Unmarshal(choice.FinishReason, &reason) == nil {
		out.FinishReason = string(reason)
	}
	var usage goopenai.Usage
	if json.Unmarshal(shape.Usage, &usage) == nil &&
		(usage.TotalTokens > 0 || usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		out.Usage = &llm.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	return out, nil
}

func contentText(content json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text, nil
	}
	var parts []goopenai.ChatMessagePart
	if err := json.Unmarshal(content, &parts); err != nil {
		return "", err
	}
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, ""), nil
}

var _ llm.Provider = (*Provider)(nil)
