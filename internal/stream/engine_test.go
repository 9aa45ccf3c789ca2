package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/fraudwatch/internal/aggregate"
	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/model"
	"github.com/mbd888/fraudwatch/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logRow is one CSV line; v1 drives the test classifier.
type logRow struct {
	time   float64
	v1     string
	amount float64
	class  string
}

func writeLog(t *testing.T, rows []logRow) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Time")
	for _, n := range features.CanonicalNames() {
		b.WriteString("," + n)
	}
	b.WriteString(",Class\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%g,%s", r.time, r.v1)
		for i := 2; i <= features.PCAComponents; i++ {
			fmt.Fprintf(&b, ",%d", i)
		}
		fmt.Fprintf(&b, ",%g,%s\n", r.amount, r.class)
	}
	path := filepath.Join(t.TempDir(), "log.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

// uniformLog has n rows one second apart; every fraudEvery-th row has a
// large V1 and label 1.
func uniformLog(t *testing.T, n, fraudEvery int) string {
	t.Helper()
	rows := make([]logRow, n)
	for i := range rows {
		rows[i] = logRow{time: float64(i), v1: "-5", amount: 10, class: "0"}
		if fraudEvery > 0 && i%fraudEvery == 0 {
			rows[i].v1, rows[i].class = "5", "1"
		}
	}
	return writeLog(t, rows)
}

// testPipeline scores on V1 alone: V1=5 is fraud, V1=-5 is not.
func testPipeline(t *testing.T) (*model.Pipeline, *features.Extractor) {
	t.Helper()
	names := features.CanonicalNames()
	w := len(names)
	scaler := &model.Scaler{Mean: make([]float64, w), Scale: make([]float64, w)}
	for i := range scaler.Scale {
		scaler.Scale[i] = 1
	}
	weights := make([]float64, w)
	weights[0] = 1
	a, err := model.NewArtifact(names, scaler, &model.Logistic{Weights: weights}, model.DefaultThreshold)
	require.NoError(t, err)
	ex, err := features.NewExtractor(names, a.Width())
	require.NoError(t, err)
	return model.NewPipeline(a), ex
}

func testConfig(path string) Config {
	return Config{
		DataPath:      path,
		WindowMinutes: aggregate.DefaultWindowMinutes,
		TopN:          aggregate.DefaultTopN,
		BatchSize:     DefaultBatchSize,
		Policy:        aggregate.PolicyTop,
	}
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	p, ex := testPipeline(t)
	e, err := NewEngine("str_test", cfg, p, ex, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

// recorder collects payloads and fails after failAfter successful emits
// when failAfter > 0.
type recorder struct {
	mu        sync.Mutex
	payloads  []any
	calls     int
	failAfter int
}

func (r *recorder) Emit(_ context.Context, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAfter > 0 && len(r.payloads) >= r.failAfter {
		return ErrConsumerGone
	}
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recorder) events(t *testing.T) []EventRecord {
	t.Helper()
	out := make([]EventRecord, 0, len(r.payloads))
	for _, p := range r.payloads {
		rec, ok := p.(EventRecord)
		require.True(t, ok, "unexpected payload %T", p)
		out = append(out, rec)
	}
	return out
}

func (r *recorder) snapshots(t *testing.T) []MetricsPayload {
	t.Helper()
	out := make([]MetricsPayload, 0, len(r.payloads))
	for _, p := range r.payloads {
		rec, ok := p.(MetricsPayload)
		require.True(t, ok, "unexpected payload %T", p)
		out = append(out, rec)
	}
	return out
}

// 150 events at batch size 100 flush once and leave 50 pending.
func TestStreamMetrics_FlushesFullBatchesOnly(t *testing.T) {
	e := newEngine(t, testConfig(uniformLog(t, 150, 10)))
	rec := &recorder{}

	require.NoError(t, e.StreamMetrics(context.Background(), rec))

	snaps := rec.snapshots(t)
	require.Len(t, snaps, 1)
	s := snaps[0]
	assert.Equal(t, MetricsPayloadType, s.Type)
	assert.Equal(t, int64(100), s.TotalProcessed)
	assert.Equal(t, int64(10), s.TotalFraudPredictions)
	assert.InDelta(t, 0.1, s.FraudRate, 1e-12)
	assert.InDelta(t, 10.0, s.AvgAmount, 1e-12)
	require.NotNil(t, s.BatchAccuracy)
	assert.Equal(t, 1.0, *s.BatchAccuracy)
	assert.Len(t, s.TopAlerts, 10)
	assert.Equal(t, []aggregate.MinuteCount{{Minute: 0, Count: 6}, {Minute: 1, Count: 4}}, s.FraudByMinute)

	assert.Equal(t, 50, e.Pending())
	assert.Equal(t, StateCompleted, e.State())
	assert.Equal(t, int64(150), e.Tally().OK)
	assert.True(t, e.reader.Closed())
}

func TestStreamMetrics_BatchAccuracyCountsMismatches(t *testing.T) {
	rows := []logRow{
		{time: 0, v1: "5", amount: 1, class: "1"},
		{time: 1, v1: "5", amount: 1, class: "0"},
		{time: 2, v1: "-5", amount: 1, class: "0"},
		{time: 3, v1: "-5", amount: 1, class: "1"},
	}
	cfg := testConfig(writeLog(t, rows))
	cfg.BatchSize = 4
	e := newEngine(t, cfg)
	rec := &recorder{}

	require.NoError(t, e.StreamMetrics(context.Background(), rec))

	snaps := rec.snapshots(t)
	require.Len(t, snaps, 1)
	require.NotNil(t, snaps[0].BatchAccuracy)
	assert.Equal(t, 0.5, *snaps[0].BatchAccuracy)
}

func TestStreamMetrics_UnlabelledBatchHasNullAccuracy(t *testing.T) {
	rows := []logRow{
		{time: 0, v1: "5", amount: 1},
		{time: 1, v1: "-5", amount: 1},
	}
	cfg := testConfig(writeLog(t, rows))
	cfg.BatchSize = 2
	e := newEngine(t, cfg)
	rec := &recorder{}

	require.NoError(t, e.StreamMetrics(context.Background(), rec))

	snaps := rec.snapshots(t)
	require.Len(t, snaps, 1)
	assert.Nil(t, snaps[0].BatchAccuracy)

	raw, err := json.Marshal(snaps[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"batch_accuracy":null`)
}

func TestMetricsPayload_WireKeys(t *testing.T) {
	e := newEngine(t, testConfig(uniformLog(t, 3, 1)))
	e.cfg.BatchSize = 1
	rec := &recorder{}
	require.NoError(t, e.StreamMetrics(context.Background(), rec))
	require.Len(t, rec.payloads, 3)

	raw, err := json.Marshal(rec.payloads[0])
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, k := range []string{"type", "timestamp", "total_processed", "total_fraud_predictions",
		"avg_amount", "fraud_rate", "fraud_by_minute", "top_alerts", "batch_accuracy"} {
		assert.Contains(t, doc, k)
	}
	alerts := doc["top_alerts"].([]any)
	require.Len(t, alerts, 1)
	alert := alerts[0].(map[string]any)
	for _, k := range []string{"time", "amount", "actual", "predicted", "confidence"} {
		assert.Contains(t, alert, k)
	}
}

func TestStreamEvents_EmitsEveryRowInOrder(t *testing.T) {
	e := newEngine(t, testConfig(uniformLog(t, 25, 5)))
	rec := &recorder{}

	require.NoError(t, e.StreamEvents(context.Background(), rec))

	evs := rec.events(t)
	require.Len(t, evs, 25)
	for i, ev := range evs {
		assert.Equal(t, i, ev.Idx)
		assert.Equal(t, fmt.Sprintf("txn_%d", i), ev.ID)
		assert.Len(t, ev.Features, features.PCAComponents)
	}
	require.NotNil(t, evs[5].Class)
	assert.Equal(t, 1, *evs[5].Class)
	assert.Equal(t, 5.0, evs[5].Features[0])
	assert.Equal(t, StateCompleted, e.State())
}

// A non-numeric field is defaulted, not dropped.
func TestStreams_NonNumericFieldDefaults(t *testing.T) {
	rows := []logRow{
		{time: 0, v1: "-5", amount: 1, class: "0"},
		{time: 1, v1: "oops", amount: 2, class: "0"},
		{time: 2, v1: "-5", amount: 3, class: "0"},
	}
	path := writeLog(t, rows)

	e := newEngine(t, testConfig(path))
	rec := &recorder{}
	require.NoError(t, e.StreamEvents(context.Background(), rec))
	evs := rec.events(t)
	require.Len(t, evs, 3)
	assert.Equal(t, 0.0, evs[1].Features[0])
	assert.Equal(t, Tally{OK: 2, Defaulted: 1}, e.Tally())

	cfg := testConfig(path)
	cfg.BatchSize = 3
	e = newEngine(t, cfg)
	rec = &recorder{}
	require.NoError(t, e.StreamMetrics(context.Background(), rec))
	snaps := rec.snapshots(t)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(3), snaps[0].TotalProcessed)
	assert.Equal(t, StateCompleted, e.State())
}

func TestStreams_MalformedRowIsSkipped(t *testing.T) {
	path := uniformLog(t, 3, 0)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	lines = append(lines[:2], append([]string{`9,bad"quote,1`}, lines[2:]...)...)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	e := newEngine(t, testConfig(path))
	rec := &recorder{}
	require.NoError(t, e.StreamEvents(context.Background(), rec))

	assert.Len(t, rec.payloads, 3)
	assert.Equal(t, int64(1), e.Tally().Skipped)
	assert.Equal(t, StateCompleted, e.State())
}

// The consumer goes away after 10 events.
func TestStreamEvents_ConsumerGoneCancels(t *testing.T) {
	e := newEngine(t, testConfig(uniformLog(t, 50, 0)))
	rec := &recorder{failAfter: 10}

	require.NoError(t, e.StreamEvents(context.Background(), rec))

	assert.Equal(t, StateCancelled, e.State())
	assert.Len(t, rec.payloads, 10)
	assert.Equal(t, 11, rec.calls, "no emit after the failed one")
	assert.Equal(t, int64(11), e.Tally().Rows(), "no row read after the failure")
	assert.True(t, e.reader.Closed())
	assert.Equal(t, int64(10), e.Info().Emitted)
}

// Two huge but finite amounts overflow the running sum, so the second
// snapshot cannot be encoded. That is a failure, not a disconnect.
func TestStreamMetrics_EncodeFailureFails(t *testing.T) {
	cfg := testConfig(writeLog(t, []logRow{
		{time: 0, v1: "-5", amount: 1e308, class: "0"},
		{time: 1, v1: "-5", amount: 1e308, class: "0"},
		{time: 2, v1: "-5", amount: 1, class: "0"},
	}))
	cfg.BatchSize = 1
	e := newEngine(t, cfg)

	var frames [][]byte
	em := EmitterFunc(func(_ context.Context, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frames = append(frames, data)
		return nil
	})

	err := e.StreamMetrics(context.Background(), em)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConsumerGone))
	assert.Equal(t, StateFailed, e.State())
	assert.Len(t, frames, 1)
	assert.Equal(t, int64(2), e.Tally().Rows(), "nothing read after the failure")
	assert.True(t, e.reader.Closed())
}

func TestStreamMetrics_ConsumerGoneCancels(t *testing.T) {
	cfg := testConfig(uniformLog(t, 40, 3))
	cfg.BatchSize = 5
	e := newEngine(t, cfg)
	rec := &recorder{failAfter: 2}

	require.NoError(t, e.StreamMetrics(context.Background(), rec))

	assert.Equal(t, StateCancelled, e.State())
	assert.Len(t, rec.payloads, 2)
	assert.Equal(t, int64(15), e.Tally().Rows())
	assert.True(t, e.reader.Closed())
}

func TestStreamEvents_ContextCancelStopsDuringPacing(t *testing.T) {
	cfg := testConfig(uniformLog(t, 10, 0))
	cfg.Interval = time.Hour
	e := newEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	em := EmitterFunc(func(context.Context, any) error {
		cancel()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- e.StreamEvents(ctx, em) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
	assert.Equal(t, StateCancelled, e.State())
	assert.Equal(t, int64(1), e.Tally().Rows())
	assert.True(t, e.reader.Closed())
}

func TestStream_PacesAfterEveryEvent(t *testing.T) {
	cfg := testConfig(uniformLog(t, 5, 0))
	cfg.Interval = 20 * time.Millisecond
	cfg.BatchSize = 1000
	e := newEngine(t, cfg)

	start := time.Now()
	require.NoError(t, e.StreamMetrics(context.Background(), &recorder{}))
	// No snapshot is flushed, yet every consumed event is paced.
	assert.GreaterOrEqual(t, time.Since(start), 5*cfg.Interval)
}

func TestStream_MissingSourceFails(t *testing.T) {
	e := newEngine(t, testConfig(filepath.Join(t.TempDir(), "absent.csv")))
	err := e.StreamEvents(context.Background(), &recorder{})
	assert.ErrorIs(t, err, source.ErrNotFound)
	assert.Equal(t, StateFailed, e.State())
}

func TestStream_RunsOnlyOnce(t *testing.T) {
	e := newEngine(t, testConfig(uniformLog(t, 2, 0)))
	require.NoError(t, e.StreamEvents(context.Background(), &recorder{}))
	err := e.StreamMetrics(context.Background(), &recorder{})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Equal(t, StateCompleted, e.State())
}

func TestNewEngine_RejectsWidthMismatch(t *testing.T) {
	p, _ := testPipeline(t)
	ex, err := features.NewExtractor([]string{"V1", "Amount"}, 2)
	require.NoError(t, err)
	_, err = NewEngine("str_x", testConfig("x.csv"), p, ex, nil)
	assert.ErrorIs(t, err, features.ErrWidthMismatch)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no path", func(c *Config) { c.DataPath = "" }},
		{"negative interval", func(c *Config) { c.Interval = -time.Second }},
		{"zero window", func(c *Config) { c.WindowMinutes = 0 }},
		{"zero top n", func(c *Config) { c.TopN = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"bad policy", func(c *Config) { c.Policy = "newest" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("x.csv")
			tt.mutate(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
		})
	}
	assert.NoError(t, testConfig("x.csv").Validate())
}

func TestState_IsTerminal(t *testing.T) {
	assert.False(t, StateIdle.IsTerminal())
	assert.False(t, StateStreaming.IsTerminal())
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
}
