package gemini

import (
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
	"github.com/parkseungchul/llmkit/internal/llm"
)

// Name 是 Gemini 服务商的名称。
const Name = "gemini"

const (
	ragHeader      = "### Reference Context:\n"
	questionHeader = "\n\n### User Question:\n"
)

// Provider 实现 Generative Language API 的 generateContent 协议。
type Provider struct{}

// New 创建 Gemini 服务商。
func New() *Provider { return &Provider{} }

func (p *Provider) Name() string { return Name }

// GenerateRequest 是 models/{model}:generateContent 的请求体。
type GenerateRequest struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
}

// BuildPayload 把消息转换为 contents：system 与 developer 合并进 systemInstruction，
// assistant 映射为 model。RAG 非空时改写最后一个 user 回合，没有 user 回合则追加一个。
func (p *Provider) BuildPayload(in llm.Prepared) (llm.Payload, error) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range in.Messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if in.RAG != "" {
		last := -1
		for i, c := range contents {
			if c.Role == genai.RoleUser {
				last = i
			}
		}
		if last >= 0 {
			question := contentText(contents[last])
			contents[last] = genai.NewContentFromText(ragHeader+in.RAG+questionHeader+question, genai.RoleUser)
		} else {
			contents = append(contents, genai.NewContentFromText(ragHeader+in.RAG, genai.RoleUser))
		}
	}

	req := GenerateRequest{Contents: contents}
	if len(system) > 0 {
		req.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(strings.Join(system, "\n\n"))}}
	}
	if cfg := generationConfig(in); cfg != nil {
		req.GenerationConfig = cfg
	}
	return llm.Payload{Provider: Name, Model: in.Model, Body: req}, nil
}

func generationConfig(in llm.Prepared) *genai.GenerationConfig {
	cfg := &genai.GenerationConfig{}
	set := false
	if in.Options.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(max(min(*in.Options.MaxTokens, math.MaxInt32), math.MinInt32))
		set = true
	}
	if in.Options.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*in.Options.Temperature))
		set = true
	}
	if in.Options.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*in.Options.TopP))
		set = true
	}
	if in.ReturnJSON {
		cfg.ResponseMIMEType = "application/json"
		set = true
	}
	if !set {
		return nil
	}
	return cfg
}

func contentText(c *genai.Content) string {
	var b strings.Builder
	for _, part := range c.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// Endpoint 返回 <base>/models/<model>:generateContent。
func (p *Provider) Endpoint(base, model string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	return base + "/models/" + url.PathEscape(model) + ":generateContent"
}

func (p *Provider) Authorize(h http.Header, apiKey string) {
	h.Set("x-goog-api-key", apiKey)
}

type probe struct {
	Candidates []struct {
		Content *struct {
			Parts []map[string]json.RawMessage `json:"parts"`
		} `json:"content"`
		FinishReason json.RawMessage `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata json.RawMessage `json:"usageMetadata"`
}

// ExtractText 读取 candidates[0].content.parts[0].text。finishReason 和 usageMetadata 尽力解析。
func (p *Provider) ExtractText(raw []byte) (llm.Extracted, error) {
	var shape probe
	if err := json.Unmarshal(raw, &shape); err != nil {
		return llm.Extracted{}, xerrors.Wrap(xerrors.CodeShapeMismatch, err, "响应不是 generateContent 格式")
	}
	if len(shape.Candidates) == 0 || shape.Candidates[0].Content == nil || len(shape.Candidates[0].Content.Parts) == 0 {
		return llm.Extracted{}, xerrors.New(xerrors.CodeShapeMismatch, "响应中缺少 candidates[0].content.parts[0]")
	}
	candidate := shape.Candidates[0]
	rawText, ok := candidate.Content.Parts[0]["text"]
	if !ok || string(rawText) == "null" {
		return llm.Extracted{}, xerrors.New(xerrors.CodeShapeMismatch, "响应中缺少 candidates[0].content.parts[0].text")
	}
	var text string
	if err := json.Unmarshal(rawText, &text); err != nil {
		return llm.Extracted{}, xerrors.Wrap(xerrors.CodeShapeMismatch, err, "candidates[0].content.parts[0].text 不是字符串")
	}

	out := llm.Extracted{Text: text}
	var reason genai.FinishReason
	if json.Unmarshal(candidate.FinishReason, &reason) == nil {
		out.FinishReason = string(reason)
	}
	var usage genai.GenerateContentResponseUsageMetadata
	if string(shape.UsageMetadata) != "null" && json.Unmarshal(shape.UsageMetadata, &usage) == nil {
		out.Usage = &llm.Usage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
		}
	}
	return out, nil
}

var _ llm.Provider = (*Provider)(nil)
