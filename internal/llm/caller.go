package llm

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parkseungchul/llmkit/internal/config"
	xerrors "github.com/parkseungchul/llmkit/internal/errors"
)

const (
	defaultTimeout = 30 * time.Second
	// errorBodyLimit 限制写入错误元数据的响应体长度。
	errorBodyLimit = 2048
	maxResponse    = 16 << 20
)

// Doer 抽象 HTTP 客户端，*http.Client 即满足该接口。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Target 是单个服务商的连接信息。KeyEnv 和 EndpointEnv 在每次调用时读取：
// KeyEnv 已设置时以它的值为准（空值即缺少 Key），未设置时回退到 APIKey；
// EndpointEnv 的值非空时覆盖 Endpoint。
type Target struct {
	Endpoint    string
	EndpointEnv string
	APIKey      string
	KeyEnv      string
	Timeout     time.Duration
}

// Reply 是一次成功（2xx）调用的原始结果。
type Reply struct {
	Status int
	Body   []byte
}

// Caller 负责把 Payload 发送到服务商。
type Caller struct {
	doer    Doer
	env     config.Env
	targets map[string]Target
}

// CallerOption 定制 Caller。
type CallerOption func(*Caller)

// WithDoer 替换底层 HTTP 客户端。
func WithDoer(d Doer) CallerOption {
	return func(c *Caller) {
		if d != nil {
			c.doer = d
		}
	}
}

// WithEnv 替换环境变量来源，默认 os.LookupEnv。
func WithEnv(env config.Env) CallerOption {
	return func(c *Caller) {
		if env != nil {
			c.env = env
		}
	}
}

// NewCaller 创建调用器。
func NewCaller(targets map[string]Target, opts ...CallerOption) *Caller {
	c := &Caller{doer: &http.Client{}, env: os.LookupEnv, targets: make(map[string]Target, len(targets))}
	for name, t := range targets {
		c.targets[NormalizeProviderName(name)] = t
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// TargetsFromConfig 把配置转换为调用目标。
func TargetsFromConfig(p config.ProvidersConfig) map[string]Target {
	targets := make(map[string]Target, len(p.Names()))
	for _, name := range p.Names() {
		pc, _ := p.Lookup(name)
		targets[name] = Target{
			Endpoint:    pc.Endpoint,
			EndpointEnv: pc.EndpointEnv,
			KeyEnv:      pc.APIKeyEnv,
			Timeout:     time.Duration(pc.TimeoutSeconds) * time.Second,
		}
	}
	return targets
}

// resolve 在调用时读取 Key 和服务地址。
func (c *Caller) resolve(t Target) (key, endpoint string) {
	key = t.APIKey
	if t.KeyEnv != "" {
		if v, ok := c.env(t.KeyEnv); ok {
			key = v
		}
	}
	endpoint = t.Endpoint
	if t.EndpointEnv != "" {
		if v, ok := c.env(t.EndpointEnv); ok && strings.TrimSpace(v) != "" {
			endpoint = strings.TrimSpace(v)
		}
	}
	return SanitizeKey(key), endpoint
}

// SanitizeKey 去掉 API Key 两端的空白、引号、反引号和中英文弯引号。
func SanitizeKey(key string) string {
	return strings.Trim(key, " \t\r\n\"'`“”‘’")
}

// Call 发送请求。缺少 Key 时在任何网络访问之前返回 MISSING_CREDENTIAL；
// 连接失败、超时、非 2xx 以及非 JSON 响应统一返回 TRANSPORT_FAILURE。
func (c *Caller) Call(ctx context.Context, p Provider, payload Payload) (Reply, error) {
	name := NormalizeProviderName(p.Name())
	target := c.targets[name]
	key, base := c.resolve(target)
	if key == "" {
		return Reply{}, xerrors.New(xerrors.CodeMissingCredential, fmt.Sprintf("未提供 %s 的 API Key", name),
			xerrors.WithMetadata(xerrors.MetaProvider, name))
	}

	body, err := json.Marshal(payload.Body)
	if err != nil {
		return Reply{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "序列化请求体失败", xerrors.WithRetryable(false))
	}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := p.Endpoint(base, payload.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "构建请求失败",
			xerrors.WithMetadata(xerrors.MetaEndpoint, endpoint), xerrors.WithRetryable(false))
	}
	req.Header.Set("Content-Type", "application/json")
	p.Authorize(req.Header, key)

	resp, err := c.doer.Do(req)
	if err != nil {
		msg := "请求 " + name + " 失败"
		if stdErrors.Is(err, context.DeadlineExceeded) {
			msg = "请求 " + name + " 超时"
		}
		return Reply{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, msg,
			xerrors.WithMetadata(xerrors.MetaEndpoint, endpoint))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return Reply{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "读取响应失败",
			xerrors.WithMetadata(xerrors.MetaStatus, strconv.Itoa(resp.StatusCode)))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, xerrors.New(xerrors.CodeTransportFailure,
			fmt.Sprintf("%s 返回错误状态 %d", name, resp.StatusCode),
			xerrors.WithMetadata(xerrors.MetaStatus, strconv.Itoa(resp.StatusCode)),
			xerrors.WithMetadata(xerrors.MetaBody, truncate(raw, errorBodyLimit)),
			xerrors.WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500))
	}
	if !json.Valid(raw) {
		return Reply{}, xerrors.New(xerrors.CodeTransportFailure, name+" 返回的响应不是合法 JSON",
			xerrors.WithMetadata(xerrors.MetaStatus, strconv.Itoa(resp.StatusCode)),
			xerrors.WithMetadata(xerrors.MetaBody, truncate(raw, errorBodyLimit)))
	}
	return Reply{Status: resp.StatusCode, Body: raw}, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n]
}
