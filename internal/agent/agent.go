package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parkseungchul/llmkit/internal/auth"
	"github.com/parkseungchul/llmkit/internal/config"
	xerrors "github.com/parkseungchul/llmkit/internal/errors"
	"github.com/parkseungchul/llmkit/internal/knowledge"
	"github.com/parkseungchul/llmkit/internal/llm"
	"github.com/parkseungchul/llmkit/internal/llm/gemini"
	"github.com/parkseungchul/llmkit/internal/llm/openai"
	"github.com/parkseungchul/llmkit/internal/prompt"
	"github.com/parkseungchul/llmkit/pkg/logger"
)

// Caller 把请求体发送给服务商，*llm.Caller 即满足该接口。
type Caller interface {
	Call(ctx context.Context, p llm.Provider, payload llm.Payload) (llm.Reply, error)
}

// RAGResolver 解析检索上下文，*knowledge.Resolver 即满足该接口。
type RAGResolver interface {
	Resolve(ctx context.Context, ragText, ragID string) (knowledge.Context, error)
}

// Observer 接收每次服务商调用的结果，用于指标统计。
type Observer interface {
	ObserveProviderCall(provider, model, outcome string, d time.Duration)
}

// Agent 把一个 Case 依次送过白名单、提示词解析、RAG 解析、请求体构建、服务商调用和归一化。
// 密钥、端点和 RAG 覆盖目录在每次调用时从环境变量读取，其余配置构建后不再变化，
// 可以被多个 goroutine 同时使用。
type Agent struct {
	registry   *llm.Registry
	caller     Caller
	env        config.Env
	gate       auth.Gate
	prompts    *prompt.Resolver
	defaults   prompt.Defaults
	rag        RAGResolver
	models     map[string]string
	observer   Observer
	clock      func() time.Time
	newID      func() string
	runTimeout time.Duration
	log        *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithRegistry 替换服务商注册表。
func WithRegistry(r *llm.Registry) Option {
	return func(a *Agent) {
		if r != nil {
			a.registry = r
		}
	}
}

// WithCaller 替换服务商调用器。
func WithCaller(c Caller) Option {
	return func(a *Agent) {
		if c != nil {
			a.caller = c
		}
	}
}

// WithEnv 替换调用时读取环境变量的方式，默认使用 os.LookupEnv。
func WithEnv(env config.Env) Option {
	return func(a *Agent) {
		if env != nil {
			a.env = env
		}
	}
}

// WithGate 设置 strict 调用使用的白名单。
func WithGate(g auth.Gate) Option {
	return func(a *Agent) {
		if g != nil {
			a.gate = g
		}
	}
}

// WithPromptResolver 设置提示词解析器。
func WithPromptResolver(r *prompt.Resolver) Option {
	return func(a *Agent) {
		if r != nil {
			a.prompts = r
		}
	}
}

// WithPromptDefaults 设置默认系统提示词。
func WithPromptDefaults(d prompt.Defaults) Option {
	return func(a *Agent) {
		a.defaults = d
	}
}

// WithRAGResolver 设置检索上下文解析器。
func WithRAGResolver(r RAGResolver) Option {
	return func(a *Agent) {
		if r != nil {
			a.rag = r
		}
	}
}

// WithDefaultModel 设置服务商的默认模型。
func WithDefaultModel(provider, model string) Option {
	return func(a *Agent) {
		if model != "" {
			a.models[llm.NormalizeProviderName(provider)] = model
		}
	}
}

// WithObserver 设置服务商调用观察者。
func WithObserver(o Observer) Option {
	return func(a *Agent) {
		a.observer = o
	}
}

// WithClock 替换时钟，主要用于测试。
func WithClock(clock func() time.Time) Option {
	return func(a *Agent) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithIDGenerator 替换 request id 生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(a *Agent) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// WithRunTimeout 限制单次调用的总时长，0 表示不限制。
func WithRunTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d < 0 {
			d = 0
		}
		a.runTimeout = d
	}
}

// DefaultRegistry 注册 openai、ytl 与 gemini，默认服务商为 ytl。
func DefaultRegistry() *llm.Registry {
	return llm.NewRegistry(
		openai.New(config.ProviderOpenAI),
		openai.New(config.ProviderYTL),
		gemini.New(),
	).WithDefault(config.ProviderYTL)
}

// New 创建一个 Agent。未指定的组件按环境变量和默认目录构建。
func New(opts ...Option) *Agent {
	return newAgent(config.FromEnv(nil), nil, opts)
}

func newAgent(cfg *config.Config, store knowledge.Store, opts []Option) *Agent {
	ag := &Agent{
		registry: DefaultRegistry(),
		env:      os.LookupEnv,
		gate:     auth.NewFileGate(cfg.Allowlist.Path),
		prompts:  prompt.NewResolver(),
		defaults: prompt.LoadDefaults(cfg.Prompts.Dir, cfg.Prompts.AppendJSONContract),
		models: map[string]string{
			config.ProviderOpenAI: cfg.Providers.OpenAI.DefaultModel,
			config.ProviderYTL:    cfg.Providers.YTL.DefaultModel,
			config.ProviderGemini: cfg.Providers.Gemini.DefaultModel,
		},
		clock: time.Now,
		newID: func() string { return uuid.NewString() },
		log:   logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.caller == nil {
		ag.caller = llm.NewCaller(llm.TargetsFromConfig(cfg.Providers), llm.WithEnv(ag.env))
	}
	if ag.rag == nil {
		ag.rag = knowledge.NewResolver(
			knowledge.WithOverrideDir(cfg.RAG.Dir),
			knowledge.WithOverrideDirEnv(cfg.RAG.DirEnv, ag.env),
			knowledge.WithDefaultDir(cfg.RAG.DefaultDir),
			knowledge.WithMaxChars(cfg.RAG.MaxChars),
			knowledge.WithPromptResolver(ag.prompts),
			knowledge.WithStore(store),
		)
	}
	return ag
}

// Providers 返回已注册的服务商名称。
func (a *Agent) Providers() []string { return a.registry.Names() }

// Reject 为无法解析的输入生成 error_at=input 的结果。
func (a *Agent) Reject(err error) Envelope {
	now := a.clock()
	tr := newTrace(a.newID(), "", now).fail(StepInput, err)
	env := Envelope{Meta: tr.finish(a.clock())}
	a.audit(env)
	return env
}

// Run 同步执行一次调用。任何失败都体现在返回的 Envelope 中，不会 panic。
func (a *Agent) Run(ctx context.Context, c llm.Case) Envelope {
	if a.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.runTimeout)
		defer cancel()
	}

	requestID := strings.TrimSpace(c.ID)
	if requestID == "" {
		requestID = a.newID()
	}
	tr := newTrace(requestID, c.ID, a.clock())
	tr = tr.with(func(m *Meta) { m.Strict = bool(c.Strict) })

	env := a.run(ctx, c, tr)
	a.audit(env)
	return env
}

func (a *Agent) run(ctx context.Context, c llm.Case, tr trace) Envelope {
	provider, model, err := a.input(c)
	if err != nil {
		return a.fatal(tr, StepInput, err)
	}
	tr = tr.with(func(m *Meta) {
		m.Provider = provider.Name()
		m.Model = model
	})

	if c.Strict {
		start := a.clock()
		decision := a.gate.Allow(auth.Caller{Provider: provider.Name(), Model: model})
		tr = tr.record(StepAllowlist, start, a.clock()).with(func(m *Meta) { m.Allowlist = &decision })
		if !decision.Allowed {
			return a.fatal(tr, StepAllowlist, xerrors.New(xerrors.CodeAllowlistDenied,
				"白名单拒绝了 "+provider.Name()+"/"+model+": "+decision.Reason))
		}
	}

	start := a.clock()
	messages, prompts, err := a.resolvePrompts(ctx, c)
	tr = tr.record(StepResolvePrompts, start, a.clock())
	if err != nil {
		return a.fatal(tr, StepResolvePrompts, err)
	}
	tr = tr.with(func(m *Meta) { m.Prompts = &prompts })

	start = a.clock()
	ragCtx, err := a.rag.Resolve(ctx, c.RAGText, c.RAGID)
	tr = tr.record(StepResolveRAG, start, a.clock())
	if err != nil {
		return a.fatal(tr, StepResolveRAG, err)
	}
	tr = tr.with(func(m *Meta) { m.RAG = &ragCtx })

	start = a.clock()
	payload, err := provider.BuildPayload(llm.Prepared{
		Provider:   provider.Name(),
		Model:      model,
		Messages:   messages,
		RAG:        ragCtx.Text,
		Options:    c.Options,
		ReturnJSON: bool(c.ReturnJSON),
	})
	tr = tr.record(StepBuildPayload, start, a.clock())
	if err != nil {
		return a.fatal(tr, StepBuildPayload, err)
	}

	start = a.clock()
	reply, err := a.caller.Call(ctx, provider, payload)
	end := a.clock()
	tr = tr.record(StepProviderCall, start, end)
	a.observe(provider.Name(), model, err, end.Sub(start))
	if err != nil {
		return a.fatal(tr, StepProviderCall, err)
	}
	tr = tr.with(func(m *Meta) { m.StatusCode = reply.Status })

	start = a.clock()
	view, perr := llm.Normalize(provider, model, reply.Body, bool(c.ReturnJSON))
	tr = tr.record(StepNormalize, start, a.clock())
	if perr != nil && perr.Fatal() {
		return a.fatal(tr, StepNormalize, perr)
	}

	env := Envelope{
		Raw:  json.RawMessage(reply.Body),
		View: &view,
		Meta: tr.finish(a.clock()),
	}
	if perr != nil {
		msg := perr.Error()
		env.ParseError = &msg
		a.log.Warn("响应归一化存在问题",
			slog.String("request_id", env.Meta.RequestID),
			slog.String("code", string(perr.Code())),
			slog.String("error", perr.Detail()))
	}
	return env
}

// input 校验服务商并补全默认模型。
func (a *Agent) input(c llm.Case) (llm.Provider, string, error) {
	provider, ok := a.registry.Get(c.Provider)
	if !ok {
		return nil, "", xerrors.New(xerrors.CodeUnsupportedProvider, "不支持的服务商: "+c.Provider,
			xerrors.WithMetadata(xerrors.MetaProvider, c.Provider))
	}
	model := strings.TrimSpace(c.Model)
	if model == "" {
		model = a.models[provider.Name()]
	}
	if model == "" {
		return nil, "", xerrors.New(xerrors.CodeInvalidCase, "未指定模型且 "+provider.Name()+" 没有默认模型")
	}
	return provider, model, nil
}

// resolvePrompts 解析系统与用户提示词并组装消息列表。
// 携带 messages 时 user_prompt 被忽略，不会解析。
func (a *Agent) resolvePrompts(ctx context.Context, c llm.Case) ([]llm.Message, PromptsMeta, error) {
	system, err := a.prompts.ResolveValue(ctx, c.SystemPrompt)
	if err != nil {
		return nil, PromptsMeta{}, err
	}
	returnJSON := bool(c.ReturnJSON)

	if len(c.Messages) == 0 {
		user, err := a.prompts.ResolveValue(ctx, c.UserPrompt)
		if err != nil {
			return nil, PromptsMeta{}, err
		}
		return []llm.Message{
			{Role: llm.RoleSystem, Content: a.defaults.SystemText(system.Text, returnJSON)},
			{Role: llm.RoleUser, Content: user.Text},
		}, PromptsMeta{System: system, User: user}, nil
	}

	messages := llm.SanitizeMessages(c.Messages)
	first := -1
	for i, m := range messages {
		if m.Role == llm.RoleSystem {
			first = i
			break
		}
	}
	switch {
	case first < 0:
		messages = append([]llm.Message{{Role: llm.RoleSystem, Content: a.defaults.SystemText(system.Text, returnJSON)}}, messages...)
	case strings.TrimSpace(system.Text) != "":
		messages[first].Content = a.defaults.SystemText(system.Text, returnJSON)
	default:
		messages[first].Content = a.defaults.SystemText(messages[first].Content, returnJSON)
	}
	return messages, PromptsMeta{System: system}, nil
}

func (a *Agent) fatal(tr trace, step string, err error) Envelope {
	tr = tr.fail(step, err)
	level := slog.LevelWarn
	switch xerrors.SeverityOf(err) {
	case xerrors.SeverityInfo:
		level = slog.LevelInfo
	case xerrors.SeverityCritical:
		level = slog.LevelError
	}
	a.log.Log(context.Background(), level, "调用在步骤中断",
		slog.String("request_id", tr.meta.RequestID),
		slog.String("step", step),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Bool("retryable", xerrors.RetryableError(err)),
		slog.Any("error", err))
	return Envelope{Meta: tr.finish(a.clock())}
}

func (a *Agent) observe(provider, model string, err error, d time.Duration) {
	if a.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(xerrors.CodeOf(err)))
	}
	a.observer.ObserveProviderCall(provider, model, outcome, d)
}

func (a *Agent) audit(env Envelope) {
	attrs := []any{
		slog.String("request_id", env.Meta.RequestID),
		slog.String("provider", env.Meta.Provider),
		slog.String("model", env.Meta.Model),
		slog.Float64("total_ms", env.Meta.TotalMS),
	}
	if env.Failed() {
		attrs = append(attrs, slog.String("error_at", env.Meta.ErrorAt), slog.String("code", env.Meta.Error.Code))
		logger.Audit().Warn("llm 调用失败", attrs...)
		return
	}
	if env.ParseError != nil {
		attrs = append(attrs, slog.String("parse_error", *env.ParseError))
	}
	logger.Audit().Info("llm 调用完成", attrs...)
}
