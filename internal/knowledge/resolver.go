package knowledge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/parkseungchul/llmkit/internal/prompt"
	"github.com/parkseungchul/llmkit/pkg/logger"
)

// Origin 记录检索上下文的来源。
type Origin string

const (
	OriginInline      Origin = "inline"
	OriginDirOverride Origin = "dir-override"
	OriginDirDefault  Origin = "dir-default"
	OriginStore       Origin = "store"
	OriginNone        Origin = "none"
	OriginNotFound    Origin = "not-found"
)

// Context 是解析得到的检索上下文，Text 为空表示不注入。
type Context struct {
	Text      string `json:"-"`
	Origin    Origin `json:"origin"`
	Source    string `json:"source,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Store 是按 rag id 查询文档的只读存储。
type Store interface {
	Name() string
	Lookup(ctx context.Context, ragID string) (string, bool, error)
}

// Resolver 按 inline → 覆盖目录 → 默认目录 → 外部存储 的顺序查找检索上下文。
type Resolver struct {
	overrideDir string
	overrideEnv string
	env         func(string) (string, bool)
	defaultDir  string
	maxChars    int
	store       Store
	prompts     *prompt.Resolver
	log         *slog.Logger
}

// Option 定制 Resolver。
type Option func(*Resolver)

// WithOverrideDir 设置优先查找的目录。
func WithOverrideDir(dir string) Option {
	return func(r *Resolver) { r.overrideDir = dir }
}

// WithOverrideDirEnv 指定每次解析时读取的覆盖目录环境变量（通常是 LLMKIT_RAG_DIR），
// 变量非空时优先于 WithOverrideDir 给出的目录。env 为空时使用 os.LookupEnv。
func WithOverrideDirEnv(name string, env func(string) (string, bool)) Option {
	return func(r *Resolver) {
		r.overrideEnv = name
		if env != nil {
			r.env = env
		}
	}
}

// WithDefaultDir 设置默认目录。
func WithDefaultDir(dir string) Option {
	return func(r *Resolver) { r.defaultDir = dir }
}

// WithMaxChars 限制注入文本的字符数，0 表示不限制。
func WithMaxChars(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxChars = n
		}
	}
}

// WithStore 启用目录之后的外部存储查找。
func WithStore(store Store) Option {
	return func(r *Resolver) { r.store = store }
}

// WithPromptResolver 指定解析 "@" 形式 rag_text 的解析器。
func WithPromptResolver(p *prompt.Resolver) Option {
	return func(r *Resolver) {
		if p != nil {
			r.prompts = p
		}
	}
}

// NewResolver 创建检索上下文解析器。
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		defaultDir: filepath.Join("src", "rag"),
		env:        os.LookupEnv,
		prompts:    prompt.NewResolver(),
		log:        logger.Named("knowledge"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve 返回本次调用应注入的上下文。inline 文本优先于 rag id；
// 找不到文件不是错误，只有 "@" 引用的 rag_text 读取失败才会返回错误。
func (r *Resolver) Resolve(ctx context.Context, ragText, ragID string) (Context, error) {
	if strings.TrimSpace(ragText) != "" {
		resolved, err := r.prompts.ResolveValue(ctx, ragText)
		if err != nil {
			return Context{}, err
		}
		if text := strings.TrimSpace(resolved.Text); text != "" {
			return r.limit(Context{Text: text, Origin: OriginInline, Source: resolved.Path}), nil
		}
	}

	ragID = strings.TrimSpace(ragID)
	if ragID == "" {
		return Context{Origin: OriginNone}, nil
	}
	if !validID(ragID) {
		r.log.Warn("rag id 非法，视为未找到", slog.String("rag_id", ragID))
		return Context{Origin: OriginNotFound}, nil
	}

	if dir := r.currentOverrideDir(); dir != "" {
		if text, path, ok := readDoc(dir, ragID); ok {
			return r.limit(Context{Text: text, Origin: OriginDirOverride, Source: path}), nil
		}
	}
	if r.defaultDir != "" {
		if text, path, ok := readDoc(r.defaultDir, ragID); ok {
			return r.limit(Context{Text: text, Origin: OriginDirDefault, Source: path}), nil
		}
	}
	if r.store != nil {
		text, ok, err := r.store.Lookup(ctx, ragID)
		if err != nil {
			r.log.Warn("查询 RAG 存储失败", slog.String("store", r.store.Name()), slog.String("rag_id", ragID), slog.Any("error", err))
		} else if text = strings.TrimSpace(text); ok && text != "" {
			return r.limit(Context{Text: text, Origin: OriginStore, Source: r.store.Name()}), nil
		}
	}

	r.log.Debug("未找到 RAG 文档", slog.String("rag_id", ragID))
	return Context{Origin: OriginNotFound}, nil
}

func (r *Resolver) currentOverrideDir() string {
	if r.overrideEnv != "" {
		if v, ok := r.env(r.overrideEnv); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return r.overrideDir
}

func (r *Resolver) limit(c Context) Context {
	if r.maxChars <= 0 || utf8.RuneCountInString(c.Text) <= r.maxChars {
		return c
	}
	c.Text = string([]rune(c.Text)[:r.maxChars])
	c.Truncated = true
	return c
}

// validID 拒绝会逃出目录的 id。
func validID(id string) bool {
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return false
	}
	return id != "."
}

// readDoc 读取 <dir>/<id>.txt。任何读取失败都当作不存在。
func readDoc(dir, id string) (string, string, bool) {
	path := filepath.Join(dir, id+".txt")
	content, err := os.ReadFile(path)
	if err != nil {
		return "", "", false
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", "", false
	}
	return text, path, true
}
