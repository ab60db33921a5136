package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hyperfleet/internal/agent"
	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/web3"
)

// Metrics 汇总舰队运行期的 Prometheus 指标，使用独立的 Registry。
type Metrics struct {
	registry *prometheus.Registry

	Transactions     *prometheus.CounterVec
	Funding          *prometheus.CounterVec
	RPCLatency       *prometheus.HistogramVec
	RPCErrors        *prometheus.CounterVec
	SnapshotFailures prometheus.Counter
	PendingTxs       prometheus.Gauge
	Agents           *prometheus.GaugeVec
	Alerts           *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPLatency      *prometheus.HistogramVec
}

// New 创建并注册全部指标，namespace 为空时使用 hyperfleet。
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "hyperfleet"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "transactions_total",
			Help:      "Transaction records observed by action and status.",
		}, []string{"action", "status"}),
		Funding: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funding",
			Name:      "requests_total",
			Help:      "Funding request transitions by asset and status.",
		}, []string{"asset", "status"}),
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "JSON-RPC call latency in seconds, including limiter wait.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		RPCErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "JSON-RPC call failures by method and error code.",
		}, []string{"method", "code"}),
		SnapshotFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "refresh_failures_total",
			Help:      "Market snapshot refreshes that failed.",
		}),
		PendingTxs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "pending_transactions",
			Help:      "Transactions submitted and not yet resolved.",
		}),
		Agents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "agents",
			Help:      "Agents by lifecycle status.",
		}, []string{"status"}),
		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "events_total",
			Help:      "Alerts dispatched by error code.",
		}, []string{"code"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
}

// Record 统计交易记录，满足 audit.Sink。
func (m *Metrics) Record(_ context.Context, rec agent.TransactionRecord) error {
	if m == nil {
		return nil
	}
	m.Transactions.WithLabelValues(string(rec.Intent.Action), string(rec.Status)).Inc()
	return nil
}

// RecordFunding 统计注资请求状态变化，满足 audit.FundingSink。
func (m *Metrics) RecordFunding(_ context.Context, req agent.FundingRequest) error {
	if m == nil {
		return nil
	}
	m.Funding.WithLabelValues(string(req.Asset), string(req.Status)).Inc()
	return nil
}

// ObserveRPC 的签名与 limiter.Observer 一致。
func (m *Metrics) ObserveRPC(method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.RPCLatency.WithLabelValues(method).Observe(elapsed.Seconds())
	if err != nil && !errors.Is(err, gethcore.NotFound) {
		m.RPCErrors.WithLabelValues(method, string(xerrors.CodeOf(web3.Classify(method, err)))).Inc()
	}
}

// ObserveSnapshotFailure 记录一次快照刷新失败。
func (m *Metrics) ObserveSnapshotFailure() {
	if m == nil {
		return
	}
	m.SnapshotFailures.Inc()
}

// SetPending 更新在途交易数。
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingTxs.Set(float64(n))
}

// SetAgentStatuses 用当前分布覆盖代理状态计数。
func (m *Metrics) SetAgentStatuses(counts map[agent.Status]int) {
	if m == nil {
		return
	}
	m.Agents.Reset()
	for status, n := range counts {
		m.Agents.WithLabelValues(string(status)).Set(float64(n))
	}
}

// ObserveAlert 记录一次告警。
func (m *Metrics) ObserveAlert(code xerrors.Code) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(string(code)).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

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
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
