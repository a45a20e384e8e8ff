package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/parkseungchul/llmkit/internal/agent"
	xerrors "github.com/parkseungchul/llmkit/internal/errors"
	"github.com/parkseungchul/llmkit/internal/llm"
	"github.com/parkseungchul/llmkit/internal/observability/metrics"
	"github.com/parkseungchul/llmkit/pkg/logger"
)

const maxBodyBytes = 4 << 20

// Runner 执行一次调用，*agent.Agent 即满足该接口。
type Runner interface {
	Run(ctx context.Context, c llm.Case) agent.Envelope
	Reject(err error) agent.Envelope
	Providers() []string
}

type healthResponse struct {
	Status    string   `json:"status"`
	Providers []string `json:"providers"`
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	runner  Runner
	metrics *metrics.Collector
	log     *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithMetrics 指定指标收集器，默认使用进程级收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runner Runner, opts ...Option) *Server {
	s := &Server{addr: addr, runner: runner, metrics: metrics.Default(), log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/run", s.instrument("/v1/run", http.HandlerFunc(s.handleRun)))
	mux.Handle("/healthz", s.instrument("/healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// handleRun 执行一次调用。除请求体无法读取外始终返回 200，失败信息在 envelope 中。
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.runner == nil {
		http.Error(w, "Agent 未初始化", http.StatusServiceUnavailable)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		env := s.runner.Reject(xerrors.Wrap(xerrors.CodeInvalidCase, err, "读取请求体失败"))
		writeJSON(w, http.StatusBadRequest, env)
		return
	}

	c, err := llm.DecodeCase(data)
	if err != nil {
		writeJSON(w, http.StatusOK, s.runner.Reject(err))
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Run(r.Context(), c))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{Status: "ok", Providers: []string{}}
	if s.runner != nil {
		resp.Providers = s.runner.Providers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
