package auth

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Caller 是白名单检查的主体：一次调用使用的服务商和模型。
type Caller struct {
	Provider string
	Model    string
}

// Decision 是白名单的判定结果。
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// 判定原因。
const (
	ReasonAllowed        = "allowed"
	ReasonMissingFile    = "allowlist file not found"
	ReasonUnreadable     = "allowlist unreadable"
	ReasonEmpty          = "allowlist empty"
	ReasonProviderDenied = "provider not allowed"
	ReasonModelDenied    = "model not allowed"
)

// Gate 判断调用方是否被允许。
type Gate interface {
	Allow(c Caller) Decision
}

// document 对应白名单 YAML 文件：
//
//	providers: [openai, gemini]
//	models:
//	  openai: [gpt-4o-mini]
type document struct {
	Providers []string            `yaml:"providers"`
	Models    map[string][]string `yaml:"models"`
}

// Allowlist 是解析后的白名单，创建后只读。
type Allowlist struct {
	providers map[string]struct{}
	models    map[string]map[string]struct{}
	// denyReason 非空时拒绝所有调用。
	denyReason string
}

// ParseAllowlist 解析 YAML 内容。
func ParseAllowlist(data []byte) (*Allowlist, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Allowlist{denyReason: ReasonEmpty}, nil
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("解析白名单失败: %w", err)
	}

	a := &Allowlist{
		providers: make(map[string]struct{}, len(doc.Providers)),
		models:    make(map[string]map[string]struct{}, len(doc.Models)),
	}
	for _, p := range doc.Providers {
		if p = normaliseProvider(p); p != "" {
			a.providers[p] = struct{}{}
		}
	}
	for provider, models := range doc.Models {
		set := make(map[string]struct{}, len(models))
		for _, m := range models {
			if m = strings.TrimSpace(m); m != "" {
				set[m] = struct{}{}
			}
		}
		if len(set) > 0 {
			a.models[normaliseProvider(provider)] = set
		}
	}
	if len(a.providers) == 0 && len(a.models) == 0 {
		a.denyReason = ReasonEmpty
	}
	return a, nil
}

// LoadAllowlist 读取白名单文件。文件缺失、无法读取或无法解析时返回拒绝一切的白名单。
func LoadAllowlist(path string) *Allowlist {
	data, err := os.ReadFile(path)
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return &Allowlist{denyReason: ReasonMissingFile}
		}
		return &Allowlist{denyReason: ReasonUnreadable}
	}
	a, err := ParseAllowlist(data)
	if err != nil {
		return &Allowlist{denyReason: ReasonUnreadable}
	}
	return a
}

// Allow 先检查服务商列表，再检查该服务商的模型列表；空列表表示不限制该维度。
func (a *Allowlist) Allow(c Caller) Decision {
	if a == nil {
		return Decision{Reason: ReasonMissingFile}
	}
	if a.denyReason != "" {
		return Decision{Reason: a.denyReason}
	}
	provider := normaliseProvider(c.Provider)
	if len(a.providers) > 0 {
		if _, ok := a.providers[provider]; !ok {
			return Decision{Reason: ReasonProviderDenied}
		}
	}
	if models := a.models[provider]; len(models) > 0 {
		if _, ok := models[strings.TrimSpace(c.Model)]; !ok {
			return Decision{Reason: ReasonModelDenied}
		}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// FileGate 每次判定时重新读取白名单文件，修改文件无需重启服务。
type FileGate struct {
	Path string
}

// NewFileGate 创建基于文件的白名单。
func NewFileGate(path string) *FileGate {
	return &FileGate{Path: path}
}

func (g *FileGate) Allow(c Caller) Decision {
	return LoadAllowlist(g.Path).Allow(c)
}

func normaliseProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

var (
	_ Gate = (*Allowlist)(nil)
	_ Gate = (*FileGate)(nil)
)
