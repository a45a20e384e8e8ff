package migrations

import (
	"strings"
	"testing"
)

func TestRAGDocumentsSchema(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(names) == 0 || names[0] != "001_create_rag_documents.sql" {
		t.Fatalf("unexpected migrations: %v", names)
	}
	data, err := Files.ReadFile(names[0])
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(data)
	// RAGStore 查询 rag_documents(rag_id, content)。
	for _, want := range []string{"rag_documents", "rag_id", "content"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("migration is missing %q", want)
		}
	}
}
