package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"regexp"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
)

// errNoSuchTable 是 MySQL 的 ER_NO_SUCH_TABLE。
const errNoSuchTable = 1146

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RAGStore 从 <table>(rag_id, content) 中只读地查询文档。
type RAGStore struct {
	db    *sql.DB
	query string
}

// NewRAGStore 打开连接池并校验表名。
func NewRAGStore(ctx context.Context, cfg Config) (*RAGStore, error) {
	table := cfg.Table
	if table == "" {
		table = "rag_documents"
	}
	if !tableName.MatchString(table) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "RAG 表名不合法: "+table)
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL RAG 存储失败")
	}
	return newRAGStore(db, table), nil
}

func newRAGStore(db *sql.DB, table string) *RAGStore {
	return &RAGStore{
		db:    db,
		query: fmt.Sprintf("SELECT content FROM %s WHERE rag_id = ? LIMIT 1", table),
	}
}

func (s *RAGStore) Name() string { return "mysql" }

// Lookup 返回 rag id 对应的文档。表不存在视为没有文档。
func (s *RAGStore) Lookup(ctx context.Context, ragID string) (string, bool, error) {
	var content sql.NullString
	err := s.db.QueryRowContext(ctx, s.query, ragID).Scan(&content)
	switch {
	case err == nil:
		return content.String, content.Valid, nil
	case stdErrors.Is(err, sql.ErrNoRows):
		return "", false, nil
	}

	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == errNoSuchTable {
		return "", false, nil
	}
	return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 RAG 文档失败")
}

// Close 释放连接池。
func (s *RAGStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
