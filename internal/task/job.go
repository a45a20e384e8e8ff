package task

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/parkseungchul/llmkit/internal/agent"
	xerrors "github.com/parkseungchul/llmkit/internal/errors"
)

const (
	CodeJobInvalid    xerrors.Code = "JOB_INVALID"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeResultPublish xerrors.Code = "RESULT_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeJobInvalid, xerrors.Attributes{
		Message:  "任务消息格式错误",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "任务入队失败",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeResultPublish, xerrors.Attributes{
		Message:   "结果回写失败",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
}

// Job 是任务队列中的一条消息。Case 保持原始 JSON，解析失败时以 input 错误回写结果。
type Job struct {
	ID   string          `json:"id"`
	Case json.RawMessage `json:"case"`
}

// Result 是结果队列中的一条消息。
type Result struct {
	ID       string         `json:"id"`
	Envelope agent.Envelope `json:"envelope"`
}

// NewJob 创建任务，id 为空时生成 UUID。
func NewJob(id string, c json.RawMessage) Job {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	return Job{ID: id, Case: c}
}

// EncodeJob 序列化任务。
func EncodeJob(job Job) ([]byte, error) {
	if len(bytes.TrimSpace(job.Case)) == 0 {
		return nil, xerrors.New(CodeJobInvalid, "任务缺少 case")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, xerrors.Wrap(CodeJobInvalid, err, "序列化任务失败")
	}
	return data, nil
}

// DecodeJob 解析队列消息。
func DecodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, xerrors.Wrap(CodeJobInvalid, err, "解析任务失败")
	}
	if strings.TrimSpace(job.ID) == "" {
		return Job{}, xerrors.New(CodeJobInvalid, "任务缺少 id")
	}
	return job, nil
}
