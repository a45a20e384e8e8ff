package llm

import (
	"encoding/json"
	"strings"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
)

// ViewMeta 是归一化视图附带的信息。
type ViewMeta struct {
	ReturnJSON   bool   `json:"return_json"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// View 是与服务商无关的响应视图。JSON 仅在 return_json 且解析成功时非空。
type View struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Text     string   `json:"text"`
	JSON     any      `json:"json"`
	Meta     ViewMeta `json:"meta"`
}

// Normalize 从原始响应中取出文本，并在 returnJSON 时尝试解析 JSON。
// 返回的错误只会是 SHAPE_MISMATCH 或 JSON_COERCION，调用方将其记入 parse_error。
func Normalize(p Provider, model string, raw []byte, returnJSON bool) (View, *xerrors.Error) {
	view := View{
		Provider: p.Name(),
		Model:    model,
		Meta:     ViewMeta{ReturnJSON: returnJSON},
	}

	extracted, err := p.ExtractText(raw)
	if err != nil {
		if e, ok := xerrors.From(err); ok {
			return view, e
		}
		return view, xerrors.Wrap(xerrors.CodeShapeMismatch, err, "")
	}
	view.Text = extracted.Text
	view.Meta.FinishReason = extracted.FinishReason
	view.Meta.Usage = extracted.Usage

	if !returnJSON {
		return view, nil
	}
	value, err := CoerceJSON(view.Text)
	if err != nil {
		e, _ := xerrors.From(err)
		return view, e
	}
	view.JSON = value
	return view, nil
}

// CoerceJSON 从模型输出中提取 JSON 对象或数组：先去掉代码围栏并整体解析，
// 再退而寻找第一个能够解析的平衡括号片段。标量不算成功。
func CoerceJSON(text string) (any, error) {
	t := stripFences(strings.TrimSpace(text))
	if t == "" {
		return nil, xerrors.New(xerrors.CodeJSONCoercion, "响应文本为空，无法解析 JSON")
	}

	if t[0] == '{' || t[0] == '[' {
		if v, ok := decodeComposite(t); ok {
			return v, nil
		}
	}

	tried := 0
	for _, sp := range bracketSpans(t) {
		if sp.end < 0 {
			continue
		}
		if tried++; tried > maxCoerceCandidates {
			break
		}
		if v, ok := decodeComposite(t[sp.start : sp.end+1]); ok {
			return v, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeJSONCoercion, "响应文本中没有合法的 JSON 对象或数组")
}

func decodeComposite(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	default:
		return nil, false
	}
}

// maxCoerceCandidates 限制逐个尝试解码的平衡片段数量。
const maxCoerceCandidates = 256

type bracketSpan struct{ start, end int }

// bracketSpans 一次扫描找出每个左括号及其配对的右括号，按左括号位置排序，未配对时 end 为 -1。
// 括号栈为空时跳到下一个左括号重新开始，字符串和转义状态只在片段内部有效。
func bracketSpans(s string) []bracketSpan {
	var spans []bracketSpan
	var stack []int
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if len(stack) == 0 {
			if ch != '{' && ch != '[' {
				continue
			}
			inString, escaped = false, false
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, len(spans))
			spans = append(spans, bracketSpan{start: i, end: -1})
		case '}', ']':
			top := stack[len(stack)-1]
			if closerOf(s[spans[top].start]) != ch {
				// 错配：栈中尚未闭合的左括号都不可能再配对。
				stack = stack[:0]
				continue
			}
			spans[top].end = i
			stack = stack[:len(stack)-1]
		}
	}
	return spans
}

func closerOf(open byte) byte {
	if open == '[' {
		return ']'
	}
	return '}'
}

// stripFences 去掉 ```json ... ``` 形式的代码围栏。
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = strings.TrimLeft(body, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}
