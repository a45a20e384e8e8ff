package agent

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/parkseungchul/llmkit/internal/auth"
	xerrors "github.com/parkseungchul/llmkit/internal/errors"
	"github.com/parkseungchul/llmkit/internal/knowledge"
	"github.com/parkseungchul/llmkit/internal/llm"
	"github.com/parkseungchul/llmkit/internal/prompt"
)

// 流水线步骤名称，同时也是 meta.timings 的键。
const (
	StepInput          = "input"
	StepAllowlist      = "allowlist"
	StepResolvePrompts = "resolve_prompts"
	StepResolveRAG     = "resolve_rag"
	StepBuildPayload   = "build_payload"
	StepProviderCall   = "provider_call"
	StepNormalize      = "normalize"
)

// Timing 记录单个步骤的起止时间。
type Timing struct {
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS float64   `json:"duration_ms"`
}

// ErrorInfo 是致命错误在 meta 中的表示。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Body    string `json:"body,omitempty"`
}

// PromptsMeta 记录提示词的来源，不包含正文。
type PromptsMeta struct {
	System prompt.Resolved `json:"system"`
	User   prompt.Resolved `json:"user"`
}

// Meta 汇总一次调用的追踪信息。
type Meta struct {
	RequestID  string             `json:"request_id"`
	CaseID     string             `json:"case_id,omitempty"`
	Provider   string             `json:"provider"`
	Model      string             `json:"model"`
	Strict     bool               `json:"strict"`
	Steps      []string           `json:"steps"`
	Timings    map[string]Timing  `json:"timings"`
	TotalMS    float64            `json:"total_ms"`
	StatusCode int                `json:"status_code,omitempty"`
	ErrorAt    string             `json:"error_at,omitempty"`
	Error      *ErrorInfo         `json:"error,omitempty"`
	Allowlist  *auth.Decision     `json:"allowlist,omitempty"`
	RAG        *knowledge.Context `json:"rag,omitempty"`
	Prompts    *PromptsMeta       `json:"prompts,omitempty"`
}

// Envelope 是一次调用的完整结果，返回后不再修改。
// 致命错误时 Raw 和 View 为空；ParseError 只记录结构不符和 JSON 解析失败。
type Envelope struct {
	Raw        json.RawMessage `json:"raw"`
	View       *llm.View       `json:"view"`
	ParseError *string         `json:"parse_error"`
	Meta       Meta            `json:"meta"`
}

// Failed 判断调用是否在某个步骤中断。
func (e Envelope) Failed() bool { return e.Meta.ErrorAt != "" }

func errorInfo(err error) *ErrorInfo {
	e, ok := xerrors.From(err)
	if !ok {
		e = xerrors.Wrap(xerrors.CodeUnknown, err, "")
	}
	info := &ErrorInfo{Code: string(e.Code()), Message: e.Detail()}
	if status, ok := e.Lookup(xerrors.MetaStatus); ok {
		info.Status, _ = strconv.Atoi(status)
	}
	if body, ok := e.Lookup(xerrors.MetaBody); ok {
		info.Body = body
	}
	return info
}
