package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperfleet/internal/agent"
	xerrors "hyperfleet/internal/errors"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposeFleetCounters(t *testing.T) {
	m := New("fleet")
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, agent.TransactionRecord{Intent: agent.TradeIntent{Action: agent.ActionOpenLong}, Status: agent.TxConfirmed}))
	require.NoError(t, m.Record(ctx, agent.TransactionRecord{Intent: agent.TradeIntent{Action: agent.ActionOpenLong}, Status: agent.TxConfirmed}))
	require.NoError(t, m.RecordFunding(ctx, agent.FundingRequest{Asset: agent.AssetBase, Status: agent.FundingFailed}))
	m.ObserveRPC("eth_call", 20*time.Millisecond, nil)
	m.ObserveRPC("eth_sendRawTransaction", time.Millisecond, errors.New("connection refused"))
	m.ObserveRPC("eth_getTransactionReceipt", time.Millisecond, gethcore.NotFound)
	m.ObserveSnapshotFailure()
	m.SetPending(3)
	m.SetAgentStatuses(map[agent.Status]int{agent.StatusActive: 2, agent.StatusErrored: 1})
	m.ObserveAlert(xerrors.CodeTxTimeout)
	m.ObserveHTTPRequest("/healthz", http.MethodGet, http.StatusOK, time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `fleet_execution_transactions_total{action="open_long",status="CONFIRMED"} 2`)
	assert.Contains(t, body, `fleet_funding_requests_total{asset="base",status="FAILED"} 1`)
	assert.Contains(t, body, `fleet_rpc_call_duration_seconds_count{method="eth_call"} 1`)
	assert.Contains(t, body, `fleet_rpc_errors_total{code="TRANSIENT_RPC",method="eth_sendRawTransaction"} 1`)
	assert.NotContains(t, body, `fleet_rpc_errors_total{code="UNKNOWN",method="eth_getTransactionReceipt"}`)
	assert.Contains(t, body, `fleet_snapshot_refresh_failures_total 1`)
	assert.Contains(t, body, `fleet_execution_pending_transactions 3`)
	assert.Contains(t, body, `fleet_scheduler_agents{status="ERRORED"} 1`)
	assert.Contains(t, body, `fleet_alerting_events_total{code="TX_TIMEOUT"} 1`)
	assert.Contains(t, body, `fleet_http_requests_total{code="200",handler="/healthz",method="GET"} 1`)
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	a := New("")
	b := New("")
	a.SetPending(1)
	assert.Contains(t, scrape(t, a), "hyperfleet_execution_pending_transactions 1")
	assert.Contains(t, scrape(t, b), "hyperfleet_execution_pending_transactions 0")
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Record(context.Background(), agent.TransactionRecord{}))
	m.ObserveRPC("eth_call", time.Millisecond, errors.New("boom"))
	m.SetPending(1)
}

func TestStartServerRequiresAddress(t *testing.T) {
	assert.Error(t, New("").StartServer(context.Background(), ""))
}
