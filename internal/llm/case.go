package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
)

// Flag 是宽松的布尔值：接受 true/false、"true"/"1"/"yes"/"on" 以及数字 1/0。
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	switch raw {
	case "null", "":
		*f = false
		return nil
	case "true":
		*f = true
		return nil
	case "false":
		*f = false
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes", "y", "on":
			*f = true
		default:
			*f = false
		}
		return nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("无法解析布尔值 %s", raw)
	}
	*f = n != 0
	return nil
}

// Case 是一次调用的统一输入。
type Case struct {
	ID           string    `json:"id,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	UserPrompt   string    `json:"user_prompt,omitempty"`
	RAGID        string    `json:"rag_id,omitempty"`
	RAGText      string    `json:"rag_text,omitempty"`
	ReturnJSON   Flag      `json:"return_json,omitempty"`
	Strict       Flag      `json:"strict,omitempty"`
	Options      Options   `json:"options,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
}

// DecodeCase 解析单个 Case。Lambda 风格的 {"body": "<json>"} 包装会被自动展开。
func DecodeCase(data []byte) (Case, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Case{}, xerrors.New(xerrors.CodeInvalidCase, "请求体为空")
	}
	if unwrapped, ok, err := unwrapBody(data); err != nil {
		return Case{}, err
	} else if ok {
		data = unwrapped
	}

	var c Case
	if err := json.Unmarshal(data, &c); err != nil {
		return Case{}, xerrors.Wrap(xerrors.CodeInvalidCase, err, "解析 Case 失败")
	}
	return c, nil
}

func unwrapBody(data []byte) ([]byte, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeInvalidCase, err, "解析 Case 失败")
	}
	body, ok := probe["body"]
	if !ok {
		return nil, false, nil
	}
	var text string
	if err := json.Unmarshal(body, &text); err == nil {
		return []byte(text), true, nil
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, true, nil
	}
	return nil, false, nil
}

// batchFile 是批量运行的文件格式：defaults 中的字段对每个 case 生效，case 中的字段优先。
type batchFile struct {
	Defaults map[string]json.RawMessage   `json:"defaults"`
	Cases    []map[string]json.RawMessage `json:"cases"`
}

// DecodeCases 解析单个 Case 或 {defaults, cases} 批量格式，batch 表示是否为批量格式。
func DecodeCases(data []byte) (cases []Case, batch bool, err error) {
	data = bytes.TrimSpace(data)
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeInvalidCase, err, "解析 Case 文件失败")
	}
	if _, ok := probe["cases"]; !ok {
		c, err := DecodeCase(data)
		if err != nil {
			return nil, false, err
		}
		return []Case{c}, false, nil
	}

	var file batchFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, true, xerrors.Wrap(xerrors.CodeInvalidCase, err, "解析批量 Case 失败")
	}
	cases = make([]Case, 0, len(file.Cases))
	for i, raw := range file.Cases {
		merged, err := mergeFields(file.Defaults, raw)
		if err != nil {
			return nil, true, xerrors.Wrap(xerrors.CodeInvalidCase, err, fmt.Sprintf("合并第 %d 个 Case 失败", i))
		}
		var c Case
		if err := json.Unmarshal(merged, &c); err != nil {
			return nil, true, xerrors.Wrap(xerrors.CodeInvalidCase, err, fmt.Sprintf("解析第 %d 个 Case 失败", i))
		}
		cases = append(cases, c)
	}
	return cases, true, nil
}

// mergeFields 以 override 覆盖 base；options 对象按字段合并。
func mergeFields(base, override map[string]json.RawMessage) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if k == "options" {
			if prev, ok := out[k]; ok {
				merged, err := mergeObjects(prev, v)
				if err != nil {
					return nil, err
				}
				out[k] = merged
				continue
			}
		}
		out[k] = v
	}
	return json.Marshal(out)
}

func mergeObjects(base, override json.RawMessage) (json.RawMessage, error) {
	var a, b map[string]json.RawMessage
	if err := json.Unmarshal(base, &a); err != nil {
		return override, nil
	}
	if err := json.Unmarshal(override, &b); err != nil {
		return nil, err
	}
	for k, v := range b {
		a[k] = v
	}
	return json.Marshal(a)
}

// LoadCaseFile 读取 Case 文件，path 为 "-" 时从 stdin 读取。
func LoadCaseFile(path string, stdin io.Reader) ([]Case, bool, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeInvalidCase, err, "读取 Case 文件失败")
	}
	return DecodeCases(data)
}
