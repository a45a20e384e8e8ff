package llm

import (
	"net/http"
	"sort"
	"strings"
)

// 消息角色。
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是与服务商无关的对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options 为可选的生成参数，nil 表示不发送。
type Options struct {
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// Prepared 是构建请求体的输入：消息已经解析完毕，RAG 尚未注入。
type Prepared struct {
	Provider   string
	Model      string
	Messages   []Message
	RAG        string
	Options    Options
	ReturnJSON bool
}

// Payload 是发送给服务商的请求体，Body 可以直接序列化为 JSON。
type Payload struct {
	Provider string
	Model    string
	Body     any
}

// Usage 是归一化后的 token 用量。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Extracted 是从原始响应中取出的文本及附带信息。
type Extracted struct {
	Text         string
	FinishReason string
	Usage        *Usage
}

// Provider 是一类线路协议的能力集合：构建请求体、定位接口、鉴权以及抽取文本。
type Provider interface {
	Name() string
	BuildPayload(p Prepared) (Payload, error)
	Endpoint(base, model string) string
	Authorize(h http.Header, apiKey string)
	// ExtractText 在响应结构不符合预期时返回 SHAPE_MISMATCH 错误。
	ExtractText(raw []byte) (Extracted, error)
}

// Registry 按名称保存已注册的服务商。
type Registry struct {
	items   map[string]Provider
	defName string
}

// NewRegistry 注册给定的服务商，第一个作为默认值。
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{items: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			continue
		}
		name := NormalizeProviderName(p.Name())
		if r.defName == "" {
			r.defName = name
		}
		r.items[name] = p
	}
	return r
}

// WithDefault 指定默认服务商。
func (r *Registry) WithDefault(name string) *Registry {
	if _, ok := r.items[NormalizeProviderName(name)]; ok {
		r.defName = NormalizeProviderName(name)
	}
	return r
}

// Get 返回名称对应的服务商，空名称返回默认服务商。
func (r *Registry) Get(name string) (Provider, bool) {
	key := NormalizeProviderName(name)
	if key == "" {
		key = r.defName
	}
	p, ok := r.items[key]
	return p, ok
}

// Default 返回默认服务商名称。
func (r *Registry) Default() string { return r.defName }

// Names 返回已注册的服务商名称。
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.items))
	for k := range r.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeProviderName 统一服务商名称的大小写和空白。
func NormalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// SanitizeMessages 只保留 system/developer/user/assistant 四种角色的消息。
func SanitizeMessages(in []Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case RoleSystem, RoleDeveloper, RoleUser, RoleAssistant:
			out = append(out, Message{Role: role, Content: m.Content})
		}
	}
	return out
}
