package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hyperfleet/internal/agent"
	"hyperfleet/internal/audit"
	"hyperfleet/internal/auth"
	"hyperfleet/internal/observability/metrics"
	"hyperfleet/internal/snapshot"
)

// AgentSource 提供当前调度中的代理集合，*scheduler.Scheduler 满足该接口。
type AgentSource interface {
	Agents() []*agent.Agent
}

// TransactionLister 查询交易审计记录，*audit.History 满足该接口。
type TransactionLister interface {
	List(ctx context.Context, opts ...audit.ListOption) ([]agent.TransactionRecord, error)
}

// ListerFunc 把普通函数适配为 TransactionLister。
type ListerFunc func(ctx context.Context, opts ...audit.ListOption) ([]agent.TransactionRecord, error)

// List 调用 f。
func (f ListerFunc) List(ctx context.Context, opts ...audit.ListOption) ([]agent.TransactionRecord, error) {
	return f(ctx, opts...)
}

// MarketSource 提供最近一次市场快照，*snapshot.Cache 满足该接口。
type MarketSource interface {
	Peek() *snapshot.MarketSnapshot
	Refresh(ctx context.Context) (*snapshot.MarketSnapshot, error)
}

// PendingSource 查询代理的在途交易，*execution.Engine 满足该接口。
type PendingSource interface {
	Pending(owner string) (*agent.TransactionRecord, bool)
}

// Server 负责暴露只读 REST 接口。
type Server struct {
	addr    string
	runID   string
	agents  AgentSource
	history TransactionLister
	metrics *metrics.Metrics
	guard   *auth.Guard
	market  MarketSource
	pending PendingSource
	started time.Time
}

// Option 定义可选配置。
type Option func(*Server)

// WithGuard 为 /api/v1 路由启用令牌校验，/healthz 与 /metrics 不受影响。
func WithGuard(g *auth.Guard) Option {
	return func(s *Server) { s.guard = g }
}

// WithMarket 挂载 /api/v1/market。
func WithMarket(m MarketSource) Option {
	return func(s *Server) { s.market = m }
}

// WithPending 让代理详情附带在途交易。
func WithPending(p PendingSource) Option {
	return func(s *Server) { s.pending = p }
}

// NewServer 构造 API 服务实例，metrics 为空时不挂载 /metrics。
func NewServer(addr, runID string, agents AgentSource, history TransactionLister, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{addr: addr, runID: runID, agents: agents, history: history, metrics: m, started: time.Now()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", s.instrument("/healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/api/v1/agents", s.instrument("/api/v1/agents", s.protect("agents", s.handleAgents)))
	mux.Handle("/api/v1/agents/", s.instrument("/api/v1/agents/{id}", s.protect("agent_detail", s.handleAgentDetail)))
	mux.Handle("/api/v1/transactions", s.instrument("/api/v1/transactions", s.protect("transactions", s.handleTransactions)))
	if s.market != nil {
		mux.Handle("/api/v1/market", s.instrument("/api/v1/market", s.protect("market", s.handleMarket)))
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
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

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status   string               `json:"status"`
	RunID    string               `json:"run_id"`
	Uptime   string               `json:"uptime"`
	Agents   map[agent.Status]int `json:"agents"`
	Degraded bool                 `json:"degraded"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{
		Status: "ok",
		RunID:  s.runID,
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Agents: make(map[agent.Status]int),
	}
	for _, a := range s.list() {
		status := a.Status()
		resp.Agents[status]++
		if status == agent.StatusErrored {
			resp.Degraded = true
		}
	}
	if resp.Degraded {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	status := agent.Status(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	views := make([]agent.View, 0)
	for _, a := range s.list() {
		view := a.View()
		if status != "" && view.Status != status {
			continue
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/agents/"), "/")
	if id == "" {
		http.Error(w, "缺少代理 ID", http.StatusBadRequest)
		return
	}
	for _, a := range s.list() {
		if a.ID == id {
			detail := agentDetail{View: a.View()}
			if s.pending != nil {
				if rec, ok := s.pending.Pending(a.ID); ok {
					detail.Pending = rec
				}
			}
			writeJSON(w, http.StatusOK, detail)
			return
		}
	}
	http.Error(w, "代理不存在", http.StatusNotFound)
}

type agentDetail struct {
	agent.View
	Pending *agent.TransactionRecord `json:"pending,omitempty"`
}

type marketResponse struct {
	Snapshot  *snapshot.MarketSnapshot `json:"snapshot"`
	FixedRate string                   `json:"fixed_rate,omitempty"`
	Age       string                   `json:"age"`
}

// handleMarket 返回缓存中的快照，refresh=true 或缓存为空时先刷新。
func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	snap := s.market.Peek()
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh || snap == nil {
		var err error
		if snap, err = s.market.Refresh(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	resp := marketResponse{Snapshot: snap, Age: snap.Age(time.Now()).Round(time.Millisecond).String()}
	if rate, ok := snap.FixedRate(); ok {
		resp.FixedRate = rate.StringFixed(6)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "审计记录未启用", http.StatusServiceUnavailable)
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.history.List(r.Context(), opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []agent.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func parseListOptions(r *http.Request) ([]audit.ListOption, error) {
	q := r.URL.Query()
	var opts []audit.ListOption
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errors.New("limit 必须为正整数")
		}
		opts = append(opts, audit.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errors.New("offset 必须为非负整数")
		}
		opts = append(opts, audit.WithOffset(offset))
	}
	if id := q.Get("agent"); id != "" {
		opts = append(opts, audit.WithAgent(id))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []agent.TxStatus
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, agent.TxStatus(part))
		}
		opts = append(opts, audit.WithStatuses(statuses...))
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("since 必须为 RFC3339 时间")
		}
		opts = append(opts, audit.WithSince(since))
	}
	return opts, nil
}

func (s *Server) list() []*agent.Agent {
	if s.agents == nil {
		return nil
	}
	return s.agents.Agents()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// protect 在配置了令牌时为路由加上鉴权。
func (s *Server) protect(event string, fn http.HandlerFunc) http.Handler {
	if s.guard == nil {
		return fn
	}
	return s.guard.Middleware(event)(fn)
}

// instrument 记录请求计数与耗时。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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
