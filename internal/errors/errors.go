package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示 llmkit 内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志分级和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidCase           Code = "INVALID_CASE"
	CodeUnsupportedProvider   Code = "UNSUPPORTED_PROVIDER"
	CodeMissingCredential     Code = "MISSING_CREDENTIAL"
	CodeFileNotFound          Code = "FILE_NOT_FOUND"
	CodePromptReadFailed      Code = "PROMPT_READ_FAILED"
	CodeAllowlistDenied       Code = "ALLOWLIST_DENIED"
	CodeTransportFailure      Code = "TRANSPORT_FAILURE"
	CodeShapeMismatch         Code = "SHAPE_MISMATCH"
	CodeJSONCoercion          Code = "JSON_COERCION"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 元数据中约定俗成的键。
const (
	MetaStatus   = "status"
	MetaBody     = "body"
	MetaPath     = "path"
	MetaProvider = "provider"
	MetaEndpoint = "endpoint"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	// Fatal 表示该错误会中断一次调用流水线。
	Fatal bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "未知错误", Severity: SeverityCritical, Fatal: true},
		CodeInvalidCase:           {Message: "调用参数不合法", Severity: SeverityInfo, Fatal: true},
		CodeUnsupportedProvider:   {Message: "不支持的模型服务商", Severity: SeverityInfo, Fatal: true},
		CodeMissingCredential:     {Message: "缺少 API Key", Severity: SeverityWarning, Fatal: true},
		CodeFileNotFound:          {Message: "引用的文件不存在", Severity: SeverityInfo, Fatal: true},
		CodePromptReadFailed:      {Message: "读取提示词文件失败", Severity: SeverityWarning, Fatal: true},
		CodeAllowlistDenied:       {Message: "白名单拒绝了本次调用", Severity: SeverityInfo, Fatal: true},
		CodeTransportFailure:      {Message: "调用模型服务失败", Severity: SeverityWarning, Retryable: true, Fatal: true},
		CodeShapeMismatch:         {Message: "响应结构不符合预期", Severity: SeverityWarning},
		CodeJSONCoercion:          {Message: "无法从响应文本中解析 JSON", Severity: SeverityInfo},
		CodeInitializationFailure: {Message: "服务未初始化", Severity: SeverityWarning, Retryable: true, Fatal: true},
		CodeStorageFailure:        {Message: "存储访问失败", Severity: SeverityCritical, Retryable: true, Fatal: true},
		CodeQueueFailure:          {Message: "队列访问失败", Severity: SeverityCritical, Retryable: true, Fatal: true},
		CodeTimeout:               {Message: "操作超时", Severity: SeverityWarning, Retryable: true, Fatal: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是 llmkit 内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例，message 为空时使用注册表中的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否为相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Detail 返回包含底层原因的完整描述，不带错误码前缀。
func (e *Error) Detail() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Lookup 读取单个元数据。
func (e *Error) Lookup(key string) (string, bool) {
	if e == nil || e.metadata == nil {
		return "", false
	}
	v, ok := e.metadata[key]
	return v, ok
}

func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Fatal 判断该错误是否会中断流水线。
func (e *Error) Fatal() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Fatal
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
