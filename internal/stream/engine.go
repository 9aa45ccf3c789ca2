package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/aggregate"
	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/model"
	"github.com/mbd888/fraudwatch/internal/source"
	"github.com/mbd888/fraudwatch/internal/traces"
)

// Emitter delivers one payload to the consumer. It blocks until the
// transport accepts the payload. An error wrapping ErrConsumerGone cancels
// the stream; any other error fails it.
type Emitter interface {
	Emit(ctx context.Context, payload any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, payload any) error

func (f EmitterFunc) Emit(ctx context.Context, payload any) error { return f(ctx, payload) }

// Info is a point-in-time description of a stream.
type Info struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Processed int64     `json:"processed"`
	Emitted   int64     `json:"emitted"`
	Tally     Tally     `json:"tally"`
}

// Engine runs exactly one stream. It owns its aggregator and batch buffer;
// the pipeline and extractor are shared read-only with other engines.
type Engine struct {
	id        string
	cfg       Config
	pipeline  *model.Pipeline
	extractor *features.Extractor
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	mode      Mode
	state     State
	tally     Tally
	emitted   int64
	startedAt time.Time
	reader    *source.Reader
	pending   int
}

// NewEngine creates an idle engine. The extractor width must match the
// pipeline's artifact.
func NewEngine(id string, cfg Config, pipeline *model.Pipeline, extractor *features.Extractor, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pipeline == nil || extractor == nil {
		return nil, fmt.Errorf("%w: pipeline and extractor are required", ErrInvalidConfig)
	}
	if w := pipeline.Artifact().Width(); extractor.Width() != w {
		return nil, fmt.Errorf("%w: extractor has %d features, model expects %d",
			features.ErrWidthMismatch, extractor.Width(), w)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		id:        id,
		cfg:       cfg,
		pipeline:  pipeline,
		extractor: extractor,
		logger:    logger.With("stream_id", id),
		now:       time.Now,
		state:     StateIdle,
	}, nil
}

// ID returns the stream id.
func (e *Engine) ID() string { return e.id }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Tally returns the per-outcome row counts so far.
func (e *Engine) Tally() Tally {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tally
}

// Pending is the number of scored events buffered since the last snapshot.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Info describes the stream.
func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		ID:        e.id,
		Mode:      e.mode,
		State:     e.state,
		StartedAt: e.startedAt,
		Processed: e.tally.Rows(),
		Emitted:   e.emitted,
		Tally:     e.tally,
	}
}

// StreamEvents emits one EventRecord per row, unscored, pacing after each.
// It returns nil when the stream completes or is cancelled and an error
// when the source fails or Emit fails for a reason other than
// ErrConsumerGone.
func (e *Engine) StreamEvents(ctx context.Context, em Emitter) error {
	return e.run(ctx, ModeEvents, em, func(ctx context.Context, ev features.Event) (any, error) {
		return newEventRecord(ev), nil
	})
}

// StreamMetrics scores every row, folds it into a fresh aggregator and
// emits a MetricsPayload each time BatchSize events have accumulated. A
// partial final batch is not flushed.
func (e *Engine) StreamMetrics(ctx context.Context, em Emitter) error {
	agg, err := aggregate.New(aggregate.Config{
		WindowMinutes: e.cfg.WindowMinutes,
		TopN:          e.cfg.TopN,
		Policy:        e.cfg.Policy,
	})
	if err != nil {
		return err
	}
	batch := newBatch(e.cfg.BatchSize)

	return e.run(ctx, ModeMetrics, em, func(ctx context.Context, ev features.Event) (any, error) {
		scored := e.pipeline.ScoreEvent(ev)
		metrics.EventsScoredTotal.Inc()
		if scored.Label == 1 {
			metrics.FraudPredictedTotal.Inc()
		}
		agg.Observe(scored)
		batch.add(scored)

		var payload any
		if batch.full() {
			payload = newMetricsPayload(agg.Snapshot(), batch.accuracy(), e.now())
			batch.reset()
		}
		e.mu.Lock()
		e.pending = batch.len()
		e.mu.Unlock()
		return payload, nil
	})
}

// step turns one event into an optional payload.
type step func(ctx context.Context, ev features.Event) (any, error)

func (e *Engine) run(ctx context.Context, mode Mode, em Emitter, fn step) (err error) {
	ctx, span := traces.StartSpan(ctx, "stream.Engine."+string(mode),
		traces.StreamID(e.id), traces.StreamMode(string(mode)), traces.DatasetPath(e.cfg.DataPath))
	defer span.End()

	if err := e.start(mode); err != nil {
		return err
	}

	state := StateFailed
	defer func() {
		e.finish(state)
		span.SetAttributes(traces.StreamState(string(state)), traces.RowsProcessed(e.Tally().Rows()))
		traces.Fail(span, err)
	}()

	for {
		row, rerr := e.reader.Next(ctx)
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			state = StateCompleted
			return nil
		case ctx.Err() != nil:
			state = StateCancelled
			return nil
		case errors.Is(rerr, source.ErrMalformedRow):
			e.count(features.OutcomeSkipped)
			e.logger.Warn("skipping unreadable row", "row", row.Index, "error", rerr)
			continue
		default:
			return rerr
		}

		res := e.extractor.Extract(row)
		e.count(res.Outcome)
		if res.Outcome == features.OutcomeDefaulted {
			e.logger.Debug("row fields defaulted to zero", "row", row.Index, "fields", res.Defaulted)
		}

		payload, serr := fn(ctx, res.Event)
		if serr != nil {
			e.count(features.OutcomeSkipped)
			e.logger.Warn("skipping row", "row", row.Index, "error", serr)
			continue
		}

		if payload != nil {
			if eerr := em.Emit(ctx, payload); eerr != nil {
				if !errors.Is(eerr, ErrConsumerGone) && ctx.Err() == nil {
					return fmt.Errorf("stream: emit row %d: %w", row.Index, eerr)
				}
				e.logger.Info("consumer gone", "row", row.Index, "error", eerr)
				state = StateCancelled
				return nil
			}
			e.sent(mode)
		}

		if perr := pace(ctx, e.cfg.Interval); perr != nil {
			state = StateCancelled
			return nil
		}
	}
}

func (e *Engine) start(mode Mode) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.mode = mode
	e.startedAt = e.now()
	e.mu.Unlock()

	r, err := source.Open(e.cfg.DataPath)
	if err != nil {
		e.mu.Lock()
		e.state = StateFailed
		e.mu.Unlock()
		metrics.StreamsFinishedTotal.WithLabelValues(string(mode), string(StateFailed)).Inc()
		return err
	}

	e.mu.Lock()
	e.reader = r
	e.state = StateStreaming
	e.mu.Unlock()

	metrics.ActiveStreams.WithLabelValues(string(mode)).Inc()
	e.logger.Info("stream started",
		"mode", mode,
		"path", e.cfg.DataPath,
		"interval", e.cfg.Interval,
		"batch_size", e.cfg.BatchSize,
	)
	return nil
}

func (e *Engine) finish(state State) {
	if err := e.reader.Close(); err != nil {
		e.logger.Warn("failed to close source", "error", err)
	}

	e.mu.Lock()
	e.state = state
	mode, tally, emitted, started := e.mode, e.tally, e.emitted, e.startedAt
	e.mu.Unlock()

	metrics.ActiveStreams.WithLabelValues(string(mode)).Dec()
	metrics.StreamsFinishedTotal.WithLabelValues(string(mode), string(state)).Inc()

	e.logger.Info("stream finished",
		"mode", mode,
		"state", state,
		"ok", tally.OK,
		"defaulted", tally.Defaulted,
		"skipped", tally.Skipped,
		"emitted", emitted,
		"took", time.Since(started),
	)
}

func (e *Engine) count(o features.Outcome) {
	metrics.RowsTotal.WithLabelValues(string(o)).Inc()
	e.mu.Lock()
	e.tally.add(o)
	e.mu.Unlock()
}

func (e *Engine) sent(mode Mode) {
	if mode == ModeMetrics {
		metrics.SnapshotsEmittedTotal.Inc()
	} else {
		metrics.EventsEmittedTotal.Inc()
	}
	e.mu.Lock()
	e.emitted++
	e.mu.Unlock()
}

// pace waits d or until ctx is done.
func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
