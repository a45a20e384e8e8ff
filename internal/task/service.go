package task

import (
	"context"
	"encoding/json"
	"log/slog"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
	"github.com/parkseungchul/llmkit/pkg/logger"
)

// Service 负责把 Case 封装成 Job 投递到任务队列。
type Service struct {
	producer Producer
}

// NewService 构造任务服务。
func NewService(producer Producer) *Service {
	return &Service{producer: producer}
}

// Submit 投递一个任务并返回其 id。id 为空时自动生成。
func (s *Service) Submit(ctx context.Context, id string, c json.RawMessage) (string, error) {
	if s == nil || s.producer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	job := NewJob(id, c)
	data, err := EncodeJob(job)
	if err != nil {
		return "", err
	}
	if err := s.producer.Publish(ctx, data); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return "", xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
	}
	logger.Audit().Info("任务入队成功", slog.String("job_id", job.ID))
	return job.ID, nil
}

// Close 释放底层队列。
func (s *Service) Close() error {
	if s == nil || s.producer == nil {
		return nil
	}
	return s.producer.Close()
}
