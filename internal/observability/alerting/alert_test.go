package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "hyperfleet/internal/errors"
)

type stubNotifier struct {
	channel Channel
	err     error
	events  []Event
}

func (s *stubNotifier) Channel() Channel { return s.channel }

func (s *stubNotifier) Notify(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestFromErrorCarriesCodeAndMetadata(t *testing.T) {
	err := xerrors.New(xerrors.CodeTxTimeout, "not mined", xerrors.WithMetadata("tx_hash", "0xabc"))
	event := FromError("run-1", "alpha", err)
	assert.Equal(t, xerrors.CodeTxTimeout, event.Code)
	assert.Equal(t, xerrors.SeverityCritical, event.Severity)
	assert.Equal(t, "0xabc", event.Metadata["tx_hash"])
	assert.Equal(t, "alpha", event.AgentID)
	assert.False(t, event.OccurredAt.IsZero())

	plain := FromError("run-1", "", errors.New("boom"))
	assert.Equal(t, xerrors.CodeUnknown, plain.Code)
}

func TestFanoutJoinsChannelErrors(t *testing.T) {
	ok := &stubNotifier{channel: ChannelLog}
	bad := &stubNotifier{channel: ChannelWebhook, err: errors.New("503")}
	var seen int
	d := NewFanout(ok, nil, bad).OnNotify(func(Event) { seen++ })

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeEndpointUnreachable})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel webhook")
	assert.Len(t, ok.events, 1)
	assert.False(t, ok.events[0].OccurredAt.IsZero())
	assert.Equal(t, 1, seen)
	assert.Equal(t, []Channel{ChannelLog, ChannelWebhook}, d.Channels())

	var nilDispatcher *FanoutDispatcher
	assert.NoError(t, nilDispatcher.Notify(context.Background(), Event{}))
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	require.NoError(t, n.Notify(context.Background(), Event{Code: xerrors.CodeTxTimeout, AgentID: "alpha"}))
	assert.Equal(t, xerrors.CodeTxTimeout, got.Code)
	assert.Equal(t, "alpha", got.AgentID)
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestLogNotifierNeverFails(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), Event{Code: xerrors.CodeAgentErrored, Metadata: map[string]string{"k": "v"}}))
}
