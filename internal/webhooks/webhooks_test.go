package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/fraudwatch/internal/report"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/stream"
	"github.com/mbd888/fraudwatch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// newTestDispatcher allows loopback targets so httptest servers are reachable.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, discard())
	d.validate = func(context.Context, string) error { return nil }
	d.retry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	return d
}

// receiver records every delivery and answers with the next status in
// statuses, then 200.
type receiver struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	statuses []int
	calls    atomic.Int32
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	n := int(r.calls.Add(1))
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.headers = append(r.headers, req.Header.Clone())
	status := http.StatusOK
	if n <= len(r.statuses) {
		status = r.statuses[n-1]
	}
	r.mu.Unlock()
	w.WriteHeader(status)
}

func newReceiver(t *testing.T, statuses ...int) (*receiver, string) {
	t.Helper()
	rec := &receiver{statuses: statuses}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return rec, srv.URL + "/hook"
}

func subscribe(t *testing.T, store Store, id, url string, events ...EventType) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:        id,
		URL:       url,
		Secret:    "s3cret-" + id,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}))
}

func event(t EventType) *Event {
	return &Event{ID: "evt_1", Type: t, Timestamp: time.Unix(1700000000, 0).UTC(), Data: map[string]any{"k": "v"}}
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", "https://a.example/hook", EventReportExported)
	subscribe(t, store, "wh_b", "https://b.example/hook", EventReportExported, EventStreamFinished)

	got, err := store.Get(ctx, "wh_a")
	require.NoError(t, err)
	got.Events[0] = EventStreamFinished
	again, _ := store.Get(ctx, "wh_a")
	assert.Equal(t, EventReportExported, again.Events[0], "callers get copies")

	subs, err := store.ListByEvent(ctx, EventStreamFinished)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "wh_b", subs[0].ID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = store.Get(ctx, "wh_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, store.Delete(ctx, "wh_a"))
	assert.ErrorIs(t, store.Delete(ctx, "wh_a"), ErrNotFound)
}

func TestMemoryStore_FailureStreakDeactivates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", "https://a.example/hook", EventReportExported)
	now := time.Now().UTC()

	for i := 0; i < maxConsecutiveFailures-1; i++ {
		require.NoError(t, store.RecordDelivery(ctx, "wh_a", now, errors.New("status 503")))
	}
	require.NoError(t, store.RecordDelivery(ctx, "wh_a", now, nil))
	sub, _ := store.Get(ctx, "wh_a")
	assert.True(t, sub.Active)
	assert.Zero(t, sub.ConsecutiveFailures, "success clears the streak")
	assert.Empty(t, sub.LastError)
	require.NotNil(t, sub.LastSuccess)

	for i := 0; i < maxConsecutiveFailures; i++ {
		require.NoError(t, store.RecordDelivery(ctx, "wh_a", now, errors.New("status 503")))
	}
	sub, _ = store.Get(ctx, "wh_a")
	assert.False(t, sub.Active)
	assert.Equal(t, "status 503", sub.LastError)

	subs, _ := store.ListByEvent(ctx, EventReportExported)
	assert.Empty(t, subs, "inactive subscriptions get nothing")
}

func TestDispatch_SignsAndDeliversToSubscribers(t *testing.T) {
	rec, url := newReceiver(t)
	store := NewMemoryStore()
	subscribe(t, store, "wh_report", url, EventReportExported)
	subscribe(t, store, "wh_stream", url, EventStreamFinished)

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), event(EventReportExported)))
	closeDispatcher(t, d)

	require.Equal(t, int32(1), rec.calls.Load(), "only the matching subscription")
	h := rec.headers[0]
	assert.Equal(t, "report.exported", h.Get(HeaderEvent))
	assert.Equal(t, "evt_1", h.Get(HeaderDelivery))
	assert.Equal(t, "1700000000", h.Get(HeaderTimestamp))
	assert.Equal(t, Sign(rec.bodies[0], "s3cret-wh_report"), h.Get(HeaderSignature))

	var got Event
	require.NoError(t, json.Unmarshal(rec.bodies[0], &got))
	assert.Equal(t, EventReportExported, got.Type)
	assert.Equal(t, "v", got.Data["k"])

	sub, _ := store.Get(context.Background(), "wh_report")
	assert.NotNil(t, sub.LastSuccess)
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	rec, url := newReceiver(t, http.StatusServiceUnavailable, http.StatusTooManyRequests)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", url, EventStreamFinished)

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), event(EventStreamFinished)))
	closeDispatcher(t, d)

	assert.Equal(t, int32(3), rec.calls.Load())
	sub, _ := store.Get(context.Background(), "wh_a")
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatch_ClientErrorIsFinal(t *testing.T) {
	rec, url := newReceiver(t, http.StatusGone)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", url, EventStreamFinished)

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), event(EventStreamFinished)))
	closeDispatcher(t, d)

	assert.Equal(t, int32(1), rec.calls.Load())
	sub, _ := store.Get(context.Background(), "wh_a")
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.Equal(t, "status 410", sub.LastError)
}

func TestDispatch_BlockedEndpointIsNeverCalled(t *testing.T) {
	rec, url := newReceiver(t)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", url, EventStreamFinished)

	d := newTestDispatcher(store)
	d.validate = security.ValidateEndpointURL
	require.NoError(t, d.Dispatch(context.Background(), event(EventStreamFinished)))
	closeDispatcher(t, d)

	assert.Zero(t, rec.calls.Load())
	sub, _ := store.Get(context.Background(), "wh_a")
	assert.Contains(t, sub.LastError, "loopback")
}

func TestDispatch_RefusedAfterClose(t *testing.T) {
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", "https://a.example/hook", EventStreamFinished)
	d := newTestDispatcher(store)
	closeDispatcher(t, d)

	assert.ErrorIs(t, d.Dispatch(context.Background(), event(EventStreamFinished)), ErrClosed)
}

func TestEmitter_Payloads(t *testing.T) {
	rec, url := newReceiver(t)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", url, EventReportExported, EventStreamFinished)
	d := newTestDispatcher(store)
	e := NewEmitter(d, discard())

	auc := 0.93
	e.ReportExported(&report.Report{
		ID:          "rpt_1",
		DatasetSize: 1000,
		Threshold:   0.5,
		Metrics:     report.Metrics{Precision: 0.8, Recall: 0.6, F1: 0.6857, AUC: &auc},
	})
	e.StreamFinished(stream.Info{
		ID:        "str_1",
		Mode:      stream.ModeMetrics,
		State:     stream.StateCompleted,
		Processed: 250,
		Emitted:   2,
		Tally:     stream.Tally{OK: 248, Skipped: 2},
	})
	closeDispatcher(t, d)

	require.Equal(t, int32(2), rec.calls.Load())
	byType := map[EventType]Event{}
	for _, b := range rec.bodies {
		var ev Event
		require.NoError(t, json.Unmarshal(b, &ev))
		byType[ev.Type] = ev
	}

	rep := byType[EventReportExported].Data
	assert.Equal(t, "rpt_1", rep["report_id"])
	assert.Equal(t, 0.93, rep["auc"])
	assert.Nil(t, rep["average_precision"])

	st := byType[EventStreamFinished].Data
	assert.Equal(t, "str_1", st["stream_id"])
	assert.Equal(t, "completed", st["state"])
	assert.Equal(t, 250.0, st["processed"])
	assert.Equal(t, 2.0, st["skipped"])
}

func TestEmitter_NilIsSafe(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() {
		e.ReportExported(&report.Report{ID: "rpt_1"})
		e.StreamFinished(stream.Info{ID: "str_1"})
	})
}

func TestSign(t *testing.T) {
	sig := Sign([]byte(`{"id":"evt_1"}`), "secret")
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.Equal(t, sig, Sign([]byte(`{"id":"evt_1"}`), "secret"))
	assert.NotEqual(t, sig, Sign([]byte(`{"id":"evt_1"}`), "other"))
}

func TestPostgresStore(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	subscribe(t, store, "wh_a", "https://a.example/hook", EventReportExported)
	subscribe(t, store, "wh_b", "https://b.example/hook", EventReportExported, EventStreamFinished)

	got, err := store.Get(ctx, "wh_a")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-wh_a", got.Secret)
	assert.Equal(t, []EventType{EventReportExported}, got.Events)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastSuccess)

	subs, err := store.ListByEvent(ctx, EventStreamFinished)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "wh_b", subs[0].ID)

	now := time.Now().UTC()
	require.NoError(t, store.RecordDelivery(ctx, "wh_a", now, nil))
	got, _ = store.Get(ctx, "wh_a")
	require.NotNil(t, got.LastSuccess)
	assert.WithinDuration(t, now, *got.LastSuccess, time.Millisecond)

	for i := 0; i < maxConsecutiveFailures; i++ {
		require.NoError(t, store.RecordDelivery(ctx, "wh_a", now, errors.New("status 500")))
	}
	got, _ = store.Get(ctx, "wh_a")
	assert.False(t, got.Active)
	assert.Equal(t, maxConsecutiveFailures, got.ConsecutiveFailures)
	assert.Equal(t, "status 500", got.LastError)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.Delete(ctx, "wh_a"))
	assert.ErrorIs(t, store.Delete(ctx, "wh_a"), ErrNotFound)
	_, err = store.Get(ctx, "wh_a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.RecordDelivery(ctx, "wh_a", now, nil), ErrNotFound)
}
