package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/report"
	"github.com/mbd888/fraudwatch/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Webhook events emitted, by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Webhook events that could not be dispatched, by event type.",
	}, []string{"event_type"})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and result.",
	}, []string{"event_type", "result"}) // result: delivered, failed
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors, deliveriesTotal)
}

// Emitter turns report and stream lifecycle changes into webhook events.
// It satisfies report.Notifier and realtime.Notifier. Nothing it does
// blocks on delivery or returns an error; failures are logged.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger, now: time.Now}
}

func (e *Emitter) emit(t EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	emitTotal.WithLabelValues(string(t)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      t,
		Timestamp: e.now().UTC(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		emitErrors.WithLabelValues(string(t)).Inc()
		e.logger.Warn("webhook emit failed", "event", t, "error", err)
	}
}

// ReportExported sends the headline numbers, not the whole document;
// receivers fetch /v1/fraud/reports/:id for the rest.
func (e *Emitter) ReportExported(r *report.Report) {
	e.emit(EventReportExported, map[string]any{
		"report_id":         r.ID,
		"dataset_size":      r.DatasetSize,
		"threshold":         r.Threshold,
		"precision":         r.Metrics.Precision,
		"recall":            r.Metrics.Recall,
		"f1":                r.Metrics.F1,
		"auc":               r.Metrics.AUC,
		"average_precision": r.Metrics.AveragePrecision,
		"fraud_rate":        r.FraudDistribution.FraudRate,
	})
}

func (e *Emitter) StreamFinished(info stream.Info) {
	e.emit(EventStreamFinished, map[string]any{
		"stream_id":  info.ID,
		"mode":       info.Mode,
		"state":      info.State,
		"started_at": info.StartedAt,
		"processed":  info.Processed,
		"emitted":    info.Emitted,
		"skipped":    info.Tally.Skipped,
		"defaulted":  info.Tally.Defaulted,
	})
}
