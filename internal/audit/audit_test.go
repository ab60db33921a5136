package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperfleet/internal/agent"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func record(agentID, hash string, status agent.TxStatus, offset time.Duration) agent.TransactionRecord {
	return agent.TransactionRecord{
		ID:          hash,
		AgentID:     agentID,
		TxHash:      hash,
		Status:      status,
		SubmittedAt: t0.Add(offset),
		ResolvedAt:  t0.Add(offset + time.Second),
		Attempt:     1,
		Intent:      agent.TradeIntent{AgentID: agentID, Action: agent.ActionOpenLong},
	}
}

func TestJSONLSinkAppendsAndHistoryRestores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "transactions.jsonl")
	sink, err := NewJSONLSink(JSONLConfig{Path: path})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Record(ctx, record("alpha", "0x01", agent.TxConfirmed, 0)))
	require.NoError(t, sink.Record(ctx, record("beta", "0x02", agent.TxReverted, time.Second)))
	require.NoError(t, sink.Close())

	reopened, err := NewJSONLSink(JSONLConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, reopened.Record(ctx, record("alpha", "0x03", agent.TxTimedOut, 2*time.Second)))
	require.NoError(t, reopened.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "alpha", lines[0]["agent_id"])
	assert.Equal(t, "0x01", lines[0]["tx_hash"])
	assert.Equal(t, "CONFIRMED", lines[0]["status"])
	assert.Contains(t, lines[0], "submitted_at")
	assert.Contains(t, lines[0], "resolved_at")

	history := NewHistory(10)
	require.NoError(t, history.Restore(path))
	got, err := history.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "0x03", got[0].TxHash)
}

func TestHistoryRestoreMissingFile(t *testing.T) {
	history := NewHistory(0)
	require.NoError(t, history.Restore(filepath.Join(t.TempDir(), "missing.jsonl")))
	assert.Empty(t, history.Counts())
}

func TestHistoryFiltersAndEvicts(t *testing.T) {
	history := NewHistory(3)
	ctx := context.Background()
	for i, status := range []agent.TxStatus{agent.TxConfirmed, agent.TxReverted, agent.TxConfirmed, agent.TxTimedOut} {
		id := "alpha"
		if i%2 == 1 {
			id = "beta"
		}
		require.NoError(t, history.Record(ctx, record(id, string(rune('a'+i)), status, time.Duration(i)*time.Second)))
	}

	all, err := history.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "d", all[0].TxHash)

	alpha, err := history.List(ctx, WithAgent("alpha"))
	require.NoError(t, err)
	require.Len(t, alpha, 1)
	assert.Equal(t, "c", alpha[0].TxHash)

	failed, err := history.List(ctx, WithStatuses("reverted", agent.TxTimedOut, "bogus"))
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	page, err := history.List(ctx, WithLimit(1), WithOffset(1))
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].TxHash)

	recent, err := history.List(ctx, WithSince(t0.Add(3*time.Second)))
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	assert.Equal(t, map[agent.TxStatus]int{agent.TxReverted: 1, agent.TxConfirmed: 1, agent.TxTimedOut: 1}, history.Counts())
}

type failingSink struct{ calls int }

func (f *failingSink) Record(context.Context, agent.TransactionRecord) error {
	f.calls++
	return errors.New("disk full")
}

type fundingSink struct {
	*History
	funding []agent.FundingRequest
}

func (f *fundingSink) RecordFunding(_ context.Context, req agent.FundingRequest) error {
	f.funding = append(f.funding, req)
	return nil
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	bad := &failingSink{}
	good := NewHistory(10)
	withFunding := &fundingSink{History: NewHistory(10)}
	multi := NewMulti(bad, nil, good, withFunding)
	ctx := context.Background()

	err := multi.Record(ctx, record("alpha", "0x01", agent.TxConfirmed, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 1, good.Counts()[agent.TxConfirmed])
	assert.Equal(t, 1, withFunding.Counts()[agent.TxConfirmed])

	require.NoError(t, multi.RecordFunding(ctx, agent.FundingRequest{AgentID: "alpha", Asset: agent.AssetBase}))
	assert.Len(t, withFunding.funding, 1)
}

type capturedPublish struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []capturedPublish
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, capturedPublish{exchange: exchange, key: key, msg: msg})
	return nil
}

func TestRabbitMQSinkPublishesEvents(t *testing.T) {
	pub := &fakePublisher{}
	sink := newRabbitMQSink(pub, "hyperfleet", "audit", "run-1")
	sink.now = func() time.Time { return t0 }
	ctx := context.Background()

	require.NoError(t, sink.Record(ctx, record("alpha", "0x01", agent.TxConfirmed, 0)))
	require.NoError(t, sink.RecordFunding(ctx, agent.FundingRequest{AgentID: "alpha", Asset: agent.AssetProtocol, Status: agent.FundingConfirmed}))

	require.Len(t, pub.sent, 2)
	assert.Equal(t, "hyperfleet", pub.sent[0].exchange)
	assert.Equal(t, "audit.transaction", pub.sent[0].key)
	assert.Equal(t, "audit.funding", pub.sent[1].key)
	assert.Equal(t, amqp.Persistent, pub.sent[0].msg.DeliveryMode)

	var ev Event
	require.NoError(t, json.Unmarshal(pub.sent[0].msg.Body, &ev))
	assert.Equal(t, EventTransaction, ev.Kind)
	assert.Equal(t, "run-1", ev.RunID)
	require.NotNil(t, ev.Transaction)
	assert.Equal(t, "0x01", ev.Transaction.TxHash)

	direct := newRabbitMQSink(pub, "", "audit", "")
	require.NoError(t, direct.Record(ctx, record("beta", "0x02", agent.TxReverted, 0)))
	assert.Equal(t, "audit", pub.sent[2].key)
}
