package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type routeKey struct {
	handler string
	method  string
}

type callKey struct {
	provider string
	model    string
	outcome  string
}

type targetKey struct {
	provider string
	model    string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector 汇总 HTTP 请求与服务商调用指标，零值不可用，请使用 NewCollector。
type Collector struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	errors      map[routeKey]uint64
	latency     map[routeKey]*histogram
	calls       map[callKey]uint64
	callLatency map[targetKey]*histogram
}

// NewCollector 创建一个空的指标收集器。
func NewCollector() *Collector {
	return &Collector{
		requests:    make(map[requestKey]uint64),
		errors:      make(map[routeKey]uint64),
		latency:     make(map[routeKey]*histogram),
		calls:       make(map[callKey]uint64),
		callLatency: make(map[targetKey]*histogram),
	}
}

var defaultCollector = NewCollector()

// Default 返回进程级的收集器。
func Default() *Collector { return defaultCollector }

// ObserveHTTPRequest 记录一次 HTTP 请求。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveProviderCall 记录一次服务商调用。
func ObserveProviderCall(provider, model, outcome string, duration time.Duration) {
	defaultCollector.ObserveProviderCall(provider, model, outcome, duration)
}

// Handler 以 Prometheus 文本格式输出默认收集器的指标。
func Handler() http.Handler { return defaultCollector.Handler() }

func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := routeKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *Collector) ObserveProviderCall(provider, model, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls[callKey{provider: provider, model: model, outcome: outcome}]++
	key := targetKey{provider: provider, model: model}
	hist := c.callLatency[key]
	if hist == nil {
		hist = newHistogram()
		c.callLatency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe 按累积桶计数，超过最大桶的值只计入 +Inf（即 count）。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

func (h *histogram) snapshot() histogram {
	return histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

// Handler 以 Prometheus 文本格式输出指标。
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

type series struct {
	labels string
	value  uint64
}

type histSeries struct {
	labels string
	hist   histogram
}

// Render 返回当前指标的文本表示，序列按标签排序。
func (c *Collector) Render() string {
	c.mu.Lock()
	reqs := make([]series, 0, len(c.requests))
	for k, v := range c.requests {
		reqs = append(reqs, series{labels: labels("handler", k.handler, "method", k.method, "code", k.code), value: v})
	}
	errs := make([]series, 0, len(c.errors))
	for k, v := range c.errors {
		errs = append(errs, series{labels: labels("handler", k.handler, "method", k.method), value: v})
	}
	lats := make([]histSeries, 0, len(c.latency))
	for k, h := range c.latency {
		lats = append(lats, histSeries{labels: labels("handler", k.handler, "method", k.method), hist: h.snapshot()})
	}
	calls := make([]series, 0, len(c.calls))
	for k, v := range c.calls {
		calls = append(calls, series{labels: labels("provider", k.provider, "model", k.model, "outcome", k.outcome), value: v})
	}
	callLats := make([]histSeries, 0, len(c.callLatency))
	for k, h := range c.callLatency {
		callLats = append(callLats, histSeries{labels: labels("provider", k.provider, "model", k.model), hist: h.snapshot()})
	}
	c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)
	writeCounter(&builder, "llmkit_http_requests_total", "Total number of HTTP requests processed.", reqs)
	writeCounter(&builder, "llmkit_http_request_errors_total", "Total number of HTTP requests that resulted in a server error.", errs)
	writeHistogram(&builder, "llmkit_http_request_duration_seconds", "HTTP request duration in seconds.", lats)
	writeCounter(&builder, "llmkit_provider_calls_total", "Total number of provider calls by outcome.", calls)
	writeHistogram(&builder, "llmkit_provider_call_duration_seconds", "Provider call duration in seconds.", callLats)
	return builder.String()
}

func writeCounter(b *strings.Builder, name, help string, list []series) {
	sort.Slice(list, func(i, j int) bool { return list[i].labels < list[j].labels })
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for _, s := range list {
		fmt.Fprintf(b, "%s{%s} %d\n", name, s.labels, s.value)
	}
}

func writeHistogram(b *strings.Builder, name, help string, list []histSeries) {
	sort.Slice(list, func(i, j int) bool { return list[i].labels < list[j].labels })
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s histogram\n", name, help, name)
	for _, s := range list {
		for idx, bound := range s.hist.buckets {
			fmt.Fprintf(b, "%s_bucket{%s,le=\"%s\"} %d\n", name, s.labels, formatFloat(bound), s.hist.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, s.labels, s.hist.count)
		fmt.Fprintf(b, "%s_sum{%s} %s\n", name, s.labels, formatFloat(s.hist.sum))
		fmt.Fprintf(b, "%s_count{%s} %d\n", name, s.labels, s.hist.count)
	}
}

func labels(pairs ...string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", pairs[i], escape(pairs[i+1])))
	}
	return strings.Join(parts, ",")
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer 启动只暴露 /metrics 的独立 HTTP 服务，ctx 结束时关闭。
func StartServer(ctx context.Context, addr string, c *Collector) error {
	if addr == "" {
		return errors.New("metrics 地址为空")
	}
	if c == nil {
		c = defaultCollector
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
