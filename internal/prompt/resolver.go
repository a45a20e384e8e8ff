package prompt

import (
	"context"
	stdErrors "errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
)

// Origin 记录解析结果来自哪里。
type Origin string

const (
	OriginLiteral Origin = "literal"
	OriginFile    Origin = "file"
)

// Resolved 是解析后的提示词文本，创建后不再修改。
type Resolved struct {
	Text   string `json:"-"`
	Origin Origin `json:"origin"`
	Path   string `json:"path,omitempty"`
}

// Resolver 读取 "@" 引用的文件。相对路径先相对于 baseDir 查找，找不到时再相对于当前工作目录。
type Resolver struct {
	baseDir string
}

// Option 用于定制 Resolver。
type Option func(*Resolver)

// WithBaseDir 指定相对路径的起点。
func WithBaseDir(dir string) Option {
	return func(r *Resolver) {
		r.baseDir = dir
	}
}

// NewResolver 创建解析器。
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ResolveValue 解析 Case 字段的原始值。
func (r *Resolver) ResolveValue(ctx context.Context, value string) (Resolved, error) {
	return r.Resolve(ctx, Parse(value))
}

// Resolve 返回来源对应的文本。字面量原样返回；文件引用读取完整内容并去掉一个结尾换行。
// 文件不存在时返回 FILE_NOT_FOUND。
func (r *Resolver) Resolve(ctx context.Context, src Source) (Resolved, error) {
	if !src.IsFile() {
		return Resolved{Text: src.Value(), Origin: OriginLiteral}, nil
	}
	if src.Value() == "" {
		return Resolved{Origin: OriginFile}, nil
	}
	if err := ctx.Err(); err != nil {
		return Resolved{}, xerrors.Wrap(xerrors.CodeTimeout, err, "读取提示词文件前上下文已结束")
	}

	paths := r.candidates(src.Value())
	for _, path := range paths {
		text, err := readFile(path)
		if err == nil {
			return Resolved{Text: trimOneNewline(text), Origin: OriginFile, Path: path}, nil
		}
		if !stdErrors.Is(err, fs.ErrNotExist) {
			return Resolved{}, xerrors.Wrap(xerrors.CodePromptReadFailed, err, "读取提示词文件失败: "+src.String(),
				xerrors.WithMetadata(xerrors.MetaPath, path))
		}
	}
	return Resolved{}, xerrors.New(xerrors.CodeFileNotFound, "提示词文件不存在: "+src.String(),
		xerrors.WithMetadata(xerrors.MetaPath, strings.Join(paths, string(os.PathListSeparator))))
}

// candidates 返回依次尝试的路径：相对路径先在 baseDir 下查找，再按当前工作目录查找。
func (r *Resolver) candidates(p string) []string {
	if filepath.IsAbs(p) || r.baseDir == "" {
		return []string{p}
	}
	return []string{filepath.Join(r.baseDir, p), p}
}

func readFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", &fs.PathError{Op: "read", Path: path, Err: stdErrors.New("是目录")}
	}

	content, err := io.ReadAll(file)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func trimOneNewline(s string) string {
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	return strings.TrimSuffix(s, "\n")
}
