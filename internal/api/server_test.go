package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hyperfleet/internal/agent"
	"hyperfleet/internal/audit"
	"hyperfleet/internal/auth"
	"hyperfleet/internal/hyperdrive"
	"hyperfleet/internal/observability/metrics"
	"hyperfleet/internal/snapshot"
	"hyperfleet/internal/wallet"
)

type staticAgents []*agent.Agent

func (s staticAgents) Agents() []*agent.Agent { return s }

func newTestServer(t *testing.T) (*Server, *agent.Agent, *agent.Agent) {
	t.Helper()
	mk := func(id string) *agent.Agent {
		key, err := wallet.Generate()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		return agent.New(agent.Spec{ID: id, PolicyKind: "single_long"}, key)
	}
	alpha, beta := mk("alpha"), mk("beta")
	alpha.SetStatus(agent.StatusActive)
	beta.SetStatus(agent.StatusActive)

	history := audit.NewHistory(10)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []agent.TxStatus{agent.TxConfirmed, agent.TxReverted, agent.TxConfirmed} {
		id := "alpha"
		if i == 1 {
			id = "beta"
		}
		rec := agent.TransactionRecord{
			ID: string(rune('a' + i)), AgentID: id, TxHash: string(rune('a' + i)), Status: status,
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := history.Record(context.Background(), rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	return NewServer(":0", "run-1", staticAgents{alpha, beta}, history, metrics.New("test")), alpha, beta
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthReportsDegradedWhenAgentErrored(t *testing.T) {
	server, _, beta := newTestServer(t)
	h := server.Handler()

	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var health healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if health.Status != "ok" || health.RunID != "run-1" || health.Agents[agent.StatusActive] != 2 {
		t.Fatalf("unexpected health: %+v", health)
	}

	beta.SetStatus(agent.StatusErrored)
	rec = get(t, h, "/healthz")
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if health.Status != "degraded" || !health.Degraded {
		t.Fatalf("expected degraded health: %+v", health)
	}
}

func TestAgentsListAndDetail(t *testing.T) {
	server, _, beta := newTestServer(t)
	beta.SetStatus(agent.StatusErrored)
	h := server.Handler()

	var views []agent.View
	if err := json.Unmarshal(get(t, h, "/api/v1/agents?status=errored").Body.Bytes(), &views); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(views) != 1 || views[0].ID != "beta" {
		t.Fatalf("unexpected views: %+v", views)
	}

	rec := get(t, h, "/api/v1/agents/alpha")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"alpha"`) {
		t.Fatalf("unexpected detail: %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/api/v1/agents/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := get(t, h, "/api/v1/agents/"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTransactionsQuery(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Handler()

	var records []agent.TransactionRecord
	rec := get(t, h, "/api/v1/transactions?agent=alpha&status=confirmed&limit=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(records) != 1 || records[0].TxHash != "c" {
		t.Fatalf("unexpected records: %+v", records)
	}

	rec = get(t, h, "/api/v1/transactions?since=2026-03-01T00:01:00Z")
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records since cutoff, got %d", len(records))
	}

	for _, bad := range []string{"limit=0", "offset=-1", "since=yesterday"} {
		if rec := get(t, h, "/api/v1/transactions?"+bad); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", bad, rec.Code)
		}
	}
}

func TestTransactionsWithoutHistory(t *testing.T) {
	server := NewServer(":0", "run-1", nil, nil, nil)
	if rec := get(t, server.Handler(), "/api/v1/transactions"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec := get(t, server.Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected metrics to be unmounted, got %d", rec.Code)
	}
}

func TestListerFuncAndMetricsEndpoint(t *testing.T) {
	var called bool
	lister := ListerFunc(func(ctx context.Context, opts ...audit.ListOption) ([]agent.TransactionRecord, error) {
		called = true
		if got := audit.BuildListOptions(opts...); got.AgentID != "beta" {
			t.Fatalf("unexpected options: %+v", got)
		}
		return nil, nil
	})
	server := NewServer(":0", "run-1", nil, lister, metrics.New("test"))
	h := server.Handler()

	rec := get(t, h, "/api/v1/transactions?agent=beta")
	if !called || rec.Body.String() != "[]\n" {
		t.Fatalf("unexpected response: called=%v body=%q", called, rec.Body.String())
	}
	body := get(t, h, "/metrics").Body.String()
	if !strings.Contains(body, `test_http_requests_total{code="200",handler="/api/v1/transactions",method="GET"} 1`) {
		t.Fatalf("request not counted:\n%s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/agents", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestGuardProtectsAPIRoutes(t *testing.T) {
	history := audit.NewHistory(1)
	server := NewServer(":0", "run-1", staticAgents{}, history, nil, WithGuard(auth.NewGuard("secret")))
	h := server.Handler()

	if rec := get(t, h, "/api/v1/agents"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz should stay open, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

type stubMarket struct {
	cached    *snapshot.MarketSnapshot
	fresh     *snapshot.MarketSnapshot
	err       error
	refreshes int
}

func (m *stubMarket) Peek() *snapshot.MarketSnapshot { return m.cached }

func (m *stubMarket) Refresh(context.Context) (*snapshot.MarketSnapshot, error) {
	m.refreshes++
	if m.err != nil {
		return nil, m.err
	}
	m.cached = m.fresh
	return m.fresh, nil
}

type pendingByOwner map[string]*agent.TransactionRecord

func (p pendingByOwner) Pending(owner string) (*agent.TransactionRecord, bool) {
	rec, ok := p[owner]
	return rec, ok
}

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestMarketServesCachedSnapshot(t *testing.T) {
	fresh := &snapshot.MarketSnapshot{
		BlockNumber: 42,
		FetchedAt:   time.Now(),
		Pool:        &hyperdrive.PoolInfo{ShareReserves: wad(99), ShareAdjustment: big.NewInt(0), BondReserves: wad(100)},
		Config: &hyperdrive.PoolConfig{
			InitialVaultSharePrice: wad(1),
			TimeStretch:            wad(1),
			PositionDuration:       big.NewInt(31_536_000),
		},
	}
	market := &stubMarket{fresh: fresh}
	h := NewServer(":0", "run-1", nil, nil, nil, WithMarket(market)).Handler()

	var resp marketResponse
	rec := get(t, h, "/api/v1/market")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Snapshot.BlockNumber != 42 || resp.FixedRate != "0.010101" || market.refreshes != 1 {
		t.Fatalf("unexpected market: %+v refreshes=%d", resp, market.refreshes)
	}

	get(t, h, "/api/v1/market")
	if market.refreshes != 1 {
		t.Fatalf("cached snapshot should be served, refreshes=%d", market.refreshes)
	}
	get(t, h, "/api/v1/market?refresh=true")
	if market.refreshes != 2 {
		t.Fatalf("refresh=true should refetch, refreshes=%d", market.refreshes)
	}

	market.err = errors.New("connection refused")
	if rec := get(t, h, "/api/v1/market?refresh=1"); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestMarketUnmountedWithoutSource(t *testing.T) {
	server, _, _ := newTestServer(t)
	if rec := get(t, server.Handler(), "/api/v1/market"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAgentDetailIncludesPendingTransaction(t *testing.T) {
	key, err := wallet.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	alpha := agent.New(agent.Spec{ID: "alpha", PolicyKind: "single_long"}, key)
	pending := pendingByOwner{"alpha": {AgentID: "alpha", TxHash: "0xabc", Status: agent.TxPending}}
	h := NewServer(":0", "run-1", staticAgents{alpha}, nil, nil, WithPending(pending)).Handler()

	var detail agentDetail
	rec := get(t, h, "/api/v1/agents/alpha")
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if detail.ID != "alpha" || detail.Pending == nil || detail.Pending.TxHash != "0xabc" {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	delete(pending, "alpha")
	rec = get(t, h, "/api/v1/agents/alpha")
	if strings.Contains(rec.Body.String(), `"pending"`) {
		t.Fatalf("pending should be omitted: %s", rec.Body.String())
	}
}
