package task

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/parkseungchul/llmkit/internal/agent"
	xerrors "github.com/parkseungchul/llmkit/internal/errors"
	"github.com/parkseungchul/llmkit/internal/llm"
	"github.com/parkseungchul/llmkit/pkg/logger"
)

// Runner 定义了处理器所需的 Agent 能力。
type Runner interface {
	Run(ctx context.Context, c llm.Case) agent.Envelope
	Reject(err error) agent.Envelope
}

// Processor 负责从任务队列消费 Job，交给 Agent 执行后把 Result 写入结果队列。
type Processor struct {
	runner      Runner
	consumer    Consumer
	results     Producer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, consumer Consumer, results Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		consumer:    consumer,
		results:     results,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束或消费者退出。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.results == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	p.logger.Info("开始消费任务", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 只在结果无法回写时返回错误，由队列决定是否重投。
// 无法解析的消息直接丢弃；Case 无法解析时回写 input 错误。
func (p *Processor) handle(ctx context.Context, payload []byte) error {
	job, err := DecodeJob(payload)
	if err != nil {
		p.logger.Warn("丢弃无法解析的任务", slog.Any("error", err), slog.Int("bytes", len(payload)))
		return nil
	}

	var env agent.Envelope
	if c, err := llm.DecodeCase(job.Case); err != nil {
		env = p.runner.Reject(err)
	} else {
		if c.ID == "" {
			c.ID = job.ID
		}
		env = p.runner.Run(ctx, c)
	}

	data, err := json.Marshal(Result{ID: job.ID, Envelope: env})
	if err != nil {
		p.logger.Error("序列化结果失败", slog.String("job_id", job.ID), slog.Any("error", err))
		return nil
	}
	if err := p.results.Publish(ctx, data); err != nil {
		wrapped := xerrors.Wrap(CodeResultPublish, err, "回写任务结果失败")
		p.logger.Error("回写任务结果失败", slog.String("job_id", job.ID), slog.Any("error", wrapped))
		return wrapped
	}

	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("request_id", env.Meta.RequestID),
		slog.String("provider", env.Meta.Provider),
	}
	if env.Failed() {
		logger.Audit().Warn("任务执行失败", append(attrs, slog.String("error_at", env.Meta.ErrorAt))...)
		return nil
	}
	logger.Audit().Info("任务执行成功", attrs...)
	return nil
}
