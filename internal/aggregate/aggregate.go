// Package aggregate keeps the bounded rolling state of one stream: running
// totals, a per-minute sliding window of fraud counts and the alert set.
//
// An Aggregator belongs to exactly one stream and is not safe for
// concurrent use. Memory stays bounded however long the stream runs: the
// window holds at most WindowMinutes buckets and the alert set at most
// TopN alerts.
package aggregate

import (
	"errors"

	"github.com/mbd888/fraudwatch/internal/model"
)

// Defaults used when a stream does not override them.
const (
	DefaultWindowMinutes = 60
	DefaultTopN          = 10
)

var ErrInvalidConfig = errors.New("aggregate: window and top-n must be positive")

// Totals are the monotone running counters of a stream.
type Totals struct {
	Processed      int64
	FraudPredicted int64
	AmountSum      float64
}

// MinuteCount is one retained window bucket.
type MinuteCount struct {
	Minute int64 `json:"minute"`
	Count  int64 `json:"count"`
}

// Snapshot is a point-in-time view of the aggregator.
type Snapshot struct {
	Totals        Totals
	AvgAmount     float64
	FraudRate     float64
	FraudByMinute []MinuteCount
	TopAlerts     []Alert
}

// Config sizes an aggregator.
type Config struct {
	WindowMinutes int
	TopN          int
	Policy        Policy
}

// Aggregator folds scored events into rolling state.
type Aggregator struct {
	window  int64
	topN    int
	buckets []MinuteCount // ascending by minute; head is the oldest
	alerts  AlertSet
	totals  Totals

	current int64 // newest minute seen
	seen    bool
	seq     uint64
}

// New creates an aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.WindowMinutes <= 0 || cfg.TopN <= 0 {
		return nil, ErrInvalidConfig
	}
	return &Aggregator{
		window:  int64(cfg.WindowMinutes),
		topN:    cfg.TopN,
		buckets: make([]MinuteCount, 0, cfg.WindowMinutes),
		alerts:  NewAlertSet(cfg.Policy, cfg.TopN),
	}, nil
}

// Observe folds one scored event in. Input is expected in time order; a
// late event still counts toward the totals, and toward its bucket when
// that bucket is still inside the window.
func (a *Aggregator) Observe(ev model.ScoredEvent) {
	a.totals.Processed++
	a.totals.AmountSum += ev.Amount

	minute := ev.Minute()
	if !a.seen || minute > a.current {
		a.current = minute
		a.seen = true
	}

	if ev.Label == 1 {
		a.totals.FraudPredicted++
		a.bump(minute)
		a.seq++
		a.alerts.Add(Alert{
			Time:       ev.Time,
			Amount:     ev.Amount,
			Actual:     ev.TrueLabel,
			Predicted:  ev.Label,
			Confidence: ev.Confidence,
			seq:        a.seq,
		})
	}

	a.evict()
}

// bump increments the bucket for minute, appending it when new.
func (a *Aggregator) bump(minute int64) {
	if a.current-minute >= a.window {
		return
	}
	n := len(a.buckets)
	if n == 0 || a.buckets[n-1].Minute < minute {
		a.buckets = append(a.buckets, MinuteCount{Minute: minute, Count: 1})
		return
	}
	for i := n - 1; i >= 0; i-- {
		switch {
		case a.buckets[i].Minute == minute:
			a.buckets[i].Count++
			return
		case a.buckets[i].Minute < minute:
			a.buckets = append(a.buckets, MinuteCount{})
			copy(a.buckets[i+2:], a.buckets[i+1:])
			a.buckets[i+1] = MinuteCount{Minute: minute, Count: 1}
			return
		}
	}
	a.buckets = append([]MinuteCount{{Minute: minute, Count: 1}}, a.buckets...)
}

// evict drops buckets from the front while they fall outside the window.
// Each bucket is evicted exactly once.
func (a *Aggregator) evict() {
	drop := 0
	for drop < len(a.buckets) && a.current-a.buckets[drop].Minute >= a.window {
		drop++
	}
	if drop == 0 {
		return
	}
	// shift in place so the backing array never grows past the window
	n := copy(a.buckets, a.buckets[drop:])
	a.buckets = a.buckets[:n]
}

// Totals returns the running counters.
func (a *Aggregator) Totals() Totals { return a.totals }

// CurrentMinute is the newest minute observed, or false before any event.
func (a *Aggregator) CurrentMinute() (int64, bool) { return a.current, a.seen }

// Snapshot returns the aggregate view. Buckets are ascending by minute and
// alerts descending by confidence, truncated to TopN.
func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		Totals:        a.totals,
		FraudByMinute: make([]MinuteCount, len(a.buckets)),
		TopAlerts:     a.alerts.Top(),
	}
	copy(s.FraudByMinute, a.buckets)
	if a.totals.Processed > 0 {
		s.AvgAmount = a.totals.AmountSum / float64(a.totals.Processed)
		s.FraudRate = float64(a.totals.FraudPredicted) / float64(a.totals.Processed)
	}
	if len(s.TopAlerts) > a.topN {
		s.TopAlerts = s.TopAlerts[:a.topN]
	}
	return s
}
