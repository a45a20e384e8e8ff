package task

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/parkseungchul/llmkit/internal/config"
	xerrors "github.com/parkseungchul/llmkit/internal/errors"
)

// 支持的队列驱动。
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

// Open 依据配置打开任务队列与结果队列。memory 驱动的结果按行写入 out。
func Open(ctx context.Context, cfg config.QueueConfig, out io.Writer) (Queue, Producer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryQueue(0), NewWriterSink(out), nil
	case DriverRedis:
		wait := time.Duration(cfg.Redis.BlockSeconds) * time.Second
		jobs, err := NewRedisQueue(ctx, RedisQueueConfig{
			Address: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
			Queue: cfg.Redis.Queue, BlockWait: wait,
		})
		if err != nil {
			return nil, nil, err
		}
		results, err := NewRedisQueue(ctx, RedisQueueConfig{
			Address: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
			Queue: cfg.Redis.ResultQueue, BlockWait: wait,
		})
		if err != nil {
			_ = jobs.Close()
			return nil, nil, err
		}
		return jobs, results, nil
	case DriverRabbitMQ:
		jobs, err := NewRabbitMQQueue(RabbitMQConfig{
			URL: cfg.RabbitMQ.URL, Queue: cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch, Durable: cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		results, err := NewRabbitMQQueue(RabbitMQConfig{
			URL: cfg.RabbitMQ.URL, Queue: cfg.RabbitMQ.ResultQueue, Durable: cfg.RabbitMQ.Durable,
		})
		if err != nil {
			_ = jobs.Close()
			return nil, nil, err
		}
		return jobs, results, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("未知的队列驱动: %s", cfg.Driver))
	}
}

// WriterSink 把每条消息写成一行，用于 memory 驱动的结果输出。
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink 创建按行输出的结果队列。
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = io.Discard
	}
	return &WriterSink{w: w}
}

func (s *WriterSink) Publish(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := append(bytes.TrimRight(payload, "\r\n"), '\n')
	if _, err := s.w.Write(line); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "写出结果失败")
	}
	return nil
}

func (s *WriterSink) Close() error { return nil }

// Feed 从 r 按行读取任务并投递，返回投递数量。
// 每行可以是 {id, case} 形式的 Job，也可以直接是一个 Case。空行会被跳过。
func Feed(ctx context.Context, r io.Reader, producer Producer) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	count := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		payload, err := jobLine(line)
		if err != nil {
			return count, err
		}
		if err := producer.Publish(ctx, payload); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, xerrors.Wrap(CodeJobInvalid, err, "读取任务输入失败")
	}
	return count, nil
}

func jobLine(line []byte) ([]byte, error) {
	if !json.Valid(line) {
		// 保留原文，处理时会得到 input 错误的结果。
		quoted, _ := json.Marshal(string(line))
		return EncodeJob(NewJob("", quoted))
	}
	var job Job
	if err := json.Unmarshal(line, &job); err == nil && len(bytes.TrimSpace(job.Case)) > 0 {
		return EncodeJob(NewJob(job.ID, job.Case))
	}
	return EncodeJob(NewJob("", append(json.RawMessage(nil), line...)))
}
