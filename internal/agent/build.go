package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parkseungchul/llmkit/internal/config"
	xerrors "github.com/parkseungchul/llmkit/internal/errors"
	"github.com/parkseungchul/llmkit/internal/knowledge"
	"github.com/parkseungchul/llmkit/internal/storage/mysql"
	"github.com/parkseungchul/llmkit/internal/storage/redis"
)

// FromConfig 依据配置装配 Agent，返回的 close 函数用于释放 RAG 存储连接。
// opts 在配置之后应用，可覆盖任意组件。
func FromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, func() error, error) {
	if cfg == nil {
		cfg = config.FromEnv(nil)
	}
	store, closeStore, err := openRAGStore(ctx, cfg.RAG.Store)
	if err != nil {
		return nil, nil, err
	}
	ag := newAgent(cfg, store, opts)
	return ag, closeStore, nil
}

func openRAGStore(ctx context.Context, cfg config.RAGStoreConfig) (knowledge.Store, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, noop, nil
	case "static":
		store, err := knowledge.LoadStaticStore(cfg.StaticPath)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载静态 RAG 文档失败")
		}
		return store, noop, nil
	case "redis":
		store, err := redis.NewRAGStore(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "mysql":
		store, err := mysql.NewRAGStore(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			Table:           cfg.MySQL.Table,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxIdleTime: time.Duration(cfg.MySQL.ConnMaxIdleSecs) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("未知的 RAG 存储类型: %s", cfg.Driver))
	}
}
