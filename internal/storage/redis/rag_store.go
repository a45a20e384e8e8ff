package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
)

// Config 描述 Redis RAG 存储的连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	// Prefix 拼在 rag id 前面构成键名。
	Prefix string
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RAGStore 以 GET <prefix><rag_id> 的方式只读地查询文档。
type RAGStore struct {
	client getter
	closer func() error
	prefix string
}

// NewRAGStore 创建 Redis 客户端并检测连通性。
func NewRAGStore(ctx context.Context, cfg Config) (*RAGStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	store := newRAGStore(client, cfg.Prefix)
	store.closer = client.Close
	return store, nil
}

func newRAGStore(client getter, prefix string) *RAGStore {
	if prefix == "" {
		prefix = "llmkit:rag:"
	}
	return &RAGStore{client: client, prefix: prefix}
}

func (s *RAGStore) Name() string { return "redis" }

// Key 返回 rag id 对应的键名。
func (s *RAGStore) Key(ragID string) string { return s.prefix + ragID }

// Lookup 返回 rag id 对应的文档。键不存在时 ok 为 false。
func (s *RAGStore) Lookup(ctx context.Context, ragID string) (string, bool, error) {
	text, err := s.client.Get(ctx, s.Key(ragID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取 Redis 键 %s 失败", s.Key(ragID)))
	}
	return text, true, nil
}

// Close 关闭 Redis 连接。
func (s *RAGStore) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}
