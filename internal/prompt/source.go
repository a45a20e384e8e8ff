package prompt

import "strings"

type sourceKind int

const (
	kindLiteral sourceKind = iota
	kindFile
)

// FilePrefix 标记一个值是文件引用。
const FilePrefix = "@"

// Source 是字面量或文件引用二者之一，在入口处解析一次。
type Source struct {
	kind  sourceKind
	value string
}

// Literal 构造字面量来源。
func Literal(text string) Source { return Source{kind: kindLiteral, value: text} }

// FileRef 构造文件引用来源。
func FileRef(path string) Source { return Source{kind: kindFile, value: path} }

// Parse 把 Case 字段的原始值解析为 Source："@" 开头的是文件引用，其余原样保留。
func Parse(value string) Source {
	if strings.HasPrefix(value, FilePrefix) {
		return FileRef(strings.TrimPrefix(value, FilePrefix))
	}
	return Literal(value)
}

func (s Source) IsFile() bool  { return s.kind == kindFile }
func (s Source) Value() string { return s.value }

func (s Source) String() string {
	if s.kind == kindFile {
		return FilePrefix + s.value
	}
	return s.value
}
