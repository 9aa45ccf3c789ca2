// Package stream replays the transaction log to one consumer, either as
// individual event records or as periodic aggregate snapshots.
//
// An Engine is a pull loop over a source.Reader. After every consumed event
// it waits for the pacing interval; that wait and the Emit call are the only
// places a stream blocks. A stream ends completed when the log runs out,
// cancelled when Emit reports ErrConsumerGone or the context is done, and
// failed on any other source or Emit error. The reader is closed before the
// stream method returns.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/fraudwatch/internal/aggregate"
	"github.com/mbd888/fraudwatch/internal/features"
)

var (
	ErrConsumerGone   = errors.New("stream: consumer gone")
	ErrAlreadyStarted = errors.New("stream: engine already started")
	ErrInvalidConfig  = errors.New("stream: invalid config")
)

// Defaults match the original service's cadence.
const (
	DefaultMetricsInterval = 50 * time.Millisecond
	DefaultEventsInterval  = 100 * time.Millisecond
	DefaultBatchSize       = 100
)

// MetricsPayloadType tags aggregate payloads.
const MetricsPayloadType = "realtime_metrics"

// State is the lifecycle position of a stream.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateCompleted State = "completed" // source exhausted
	StateCancelled State = "cancelled" // consumer gone or context done
	StateFailed    State = "failed"    // source could not be opened or read
)

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Mode selects what a stream emits.
type Mode string

const (
	ModeEvents  Mode = "events"
	ModeMetrics Mode = "metrics"
)

// Config sizes one stream.
type Config struct {
	DataPath      string
	Interval      time.Duration // pacing after each consumed event
	WindowMinutes int
	TopN          int
	BatchSize     int
	Policy        aggregate.Policy
}

// Validate rejects sizes the aggregator or batcher cannot work with.
func (c Config) Validate() error {
	switch {
	case c.DataPath == "":
		return fmt.Errorf("%w: data path is required", ErrInvalidConfig)
	case c.Interval < 0:
		return fmt.Errorf("%w: interval must not be negative", ErrInvalidConfig)
	case c.WindowMinutes <= 0:
		return fmt.Errorf("%w: window_minutes must be positive", ErrInvalidConfig)
	case c.TopN <= 0:
		return fmt.Errorf("%w: top_n must be positive", ErrInvalidConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	}
	if _, err := aggregate.ParsePolicy(string(c.Policy)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Tally counts rows by extraction outcome.
type Tally struct {
	OK        int64 `json:"ok"`
	Defaulted int64 `json:"defaulted"`
	Skipped   int64 `json:"skipped"`
}

// Rows is the number of rows consumed from the source.
func (t Tally) Rows() int64 { return t.OK + t.Defaulted + t.Skipped }

func (t *Tally) add(o features.Outcome) {
	switch o {
	case features.OutcomeOK:
		t.OK++
	case features.OutcomeDefaulted:
		t.Defaulted++
	case features.OutcomeSkipped:
		t.Skipped++
	}
}

// EventRecord is the per-event payload.
type EventRecord struct {
	ID       string    `json:"id"`
	Idx      int       `json:"idx"`
	Time     float64   `json:"time"`
	Amount   float64   `json:"amount"`
	Features []float64 `json:"features"`
	Class    *int      `json:"class"`
}

// MetricsPayload is the aggregate snapshot pushed once per batch.
type MetricsPayload struct {
	Type                  string                  `json:"type"`
	Timestamp             float64                 `json:"timestamp"`
	TotalProcessed        int64                   `json:"total_processed"`
	TotalFraudPredictions int64                   `json:"total_fraud_predictions"`
	AvgAmount             float64                 `json:"avg_amount"`
	FraudRate             float64                 `json:"fraud_rate"`
	FraudByMinute         []aggregate.MinuteCount `json:"fraud_by_minute"`
	TopAlerts             []aggregate.Alert       `json:"top_alerts"`
	BatchAccuracy         *float64                `json:"batch_accuracy"`
}

func newEventRecord(ev features.Event) EventRecord {
	return EventRecord{
		ID:       fmt.Sprintf("txn_%d", ev.Index),
		Idx:      ev.Index,
		Time:     ev.Time,
		Amount:   ev.Amount,
		Features: ev.PCA(),
		Class:    ev.TrueLabel,
	}
}

func newMetricsPayload(s aggregate.Snapshot, accuracy *float64, now time.Time) MetricsPayload {
	p := MetricsPayload{
		Type:                  MetricsPayloadType,
		Timestamp:             float64(now.UnixNano()) / 1e9,
		TotalProcessed:        s.Totals.Processed,
		TotalFraudPredictions: s.Totals.FraudPredicted,
		AvgAmount:             s.AvgAmount,
		FraudRate:             s.FraudRate,
		FraudByMinute:         s.FraudByMinute,
		TopAlerts:             s.TopAlerts,
		BatchAccuracy:         accuracy,
	}
	if p.FraudByMinute == nil {
		p.FraudByMinute = []aggregate.MinuteCount{}
	}
	if p.TopAlerts == nil {
		p.TopAlerts = []aggregate.Alert{}
	}
	return p
}
