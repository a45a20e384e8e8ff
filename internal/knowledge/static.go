package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Document 描述一条可按 id 检索的 RAG 文档。
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// StaticStore 通过加载 JSON 文件提供内存中的只读文档存储。
type StaticStore struct {
	docs map[string]string
}

// NewStaticStore 创建静态文档存储。
func NewStaticStore(docs []Document) *StaticStore {
	m := make(map[string]string, len(docs))
	for _, d := range docs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			continue
		}
		m[id] = d.Content
	}
	return &StaticStore{docs: m}
}

// LoadStaticStore 从 JSON 文件加载文档列表。
func LoadStaticStore(path string) (*StaticStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("文档文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析文档路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取文档文件失败: %w", err)
	}
	defer file.Close()

	var docs []Document
	if err := json.NewDecoder(file).Decode(&docs); err != nil {
		return nil, fmt.Errorf("解析文档文件失败: %w", err)
	}
	return NewStaticStore(docs), nil
}

func (s *StaticStore) Name() string { return "static" }

// Lookup 按 id 返回文档内容。
func (s *StaticStore) Lookup(_ context.Context, ragID string) (string, bool, error) {
	if s == nil {
		return "", false, nil
	}
	text, ok := s.docs[ragID]
	return text, ok, nil
}

// Ensure StaticStore 实现 Store 接口。
var _ Store = (*StaticStore)(nil)
