package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var event = Event{
	Type:      EventBatchCarved,
	RunID:     "run-1",
	Batch:     2,
	Seed:      42,
	Records:   20,
	PerDomain: map[string]int{"archeologia": 10, "architettura": 10},
	At:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
}

func TestWebhookSignsAndRetries(t *testing.T) {
	calls := 0
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if !Verify("s3cret", body, r.Header.Get(SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "s3cret", nil).WithHTTPClient(srv.Client()).WithBackoff(time.Millisecond)
	require.NoError(t, wh.Notify(context.Background(), event))
	assert.Equal(t, 2, calls)
	assert.Equal(t, event, got)
}

func TestWebhookRejectedNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get(SignatureHeader) != "" {
			t.Error("unexpected signature without secret")
		}
		http.Error(w, "bad event", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "", nil).WithHTTPClient(srv.Client()).Notify(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, 1, calls)
}

func TestVerify(t *testing.T) {
	body := []byte(`{"type":"batch.carved"}`)
	sig := Sign("k", body)
	assert.True(t, Verify("k", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("k", body, ""))
	assert.Len(t, sig, 64)
}

type fakeConn struct {
	subjects []string
	data     [][]byte
	flushed  int
	err      error
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	f.data = append(f.data, data)
	return nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error {
	f.flushed++
	return nil
}

func TestNATSPublishes(t *testing.T) {
	conn := &fakeConn{}
	require.NoError(t, NewNATS(conn, "al.events", nil).Notify(context.Background(), event))

	assert.Equal(t, []string{"al.events.batch.carved"}, conn.subjects)
	assert.Equal(t, 1, conn.flushed)
	var got Event
	require.NoError(t, json.Unmarshal(conn.data[0], &got))
	assert.Equal(t, event, got)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &fakeConn{}
	broken := &fakeConn{err: errors.New("nats: connection closed")}
	err := Multi{NewNATS(broken, "a", nil), NewNATS(ok, "b", nil)}.Notify(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
	assert.Len(t, ok.subjects, 1)
}
