// Package report scores the whole transaction log once and summarises the
// result: confusion-matrix metrics, ranking quality, class distribution,
// per-class amount statistics and feature importances.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/model"
	"github.com/mbd888/fraudwatch/internal/source"
	"github.com/mbd888/fraudwatch/internal/traces"
)

var (
	ErrNotFound = errors.New("report: not found")
	ErrNoLabels = errors.New("report: dataset has no labelled rows")
)

// DefaultTopFeatures is how many importances a report lists.
const DefaultTopFeatures = 20

// Metrics are computed over labelled rows. AUC and AveragePrecision are
// nil when the classifier gives no probabilities or only one class is
// present.
type Metrics struct {
	TP               int64    `json:"tp"`
	FP               int64    `json:"fp"`
	FN               int64    `json:"fn"`
	TN               int64    `json:"tn"`
	Precision        float64  `json:"precision"`
	Recall           float64  `json:"recall"`
	F1               float64  `json:"f1"`
	AUC              *float64 `json:"auc"`
	AveragePrecision *float64 `json:"average_precision"`
	Accuracy         float64  `json:"accuracy"`
}

// Distribution counts ground-truth classes. FraudRate is a percentage of
// the whole dataset.
type Distribution struct {
	Legitimate int64   `json:"legitimate"`
	Fraud      int64   `json:"fraud"`
	FraudRate  float64 `json:"fraud_rate"`
}

// AmountStats describe one class's amounts. Std is the sample standard
// deviation; every field is zero for an empty class.
type AmountStats struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// AmountStatistics splits amount stats by class.
type AmountStatistics struct {
	Fraud      AmountStats `json:"fraud"`
	Legitimate AmountStats `json:"legitimate"`
}

// FeatureImportance is one ranked model input.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// Report is an immutable export document.
type Report struct {
	ID                string              `json:"id"`
	Timestamp         time.Time           `json:"timestamp"`
	DatasetSize       int                 `json:"dataset_size"`
	Threshold         float64             `json:"threshold"`
	Metrics           Metrics             `json:"metrics"`
	FraudDistribution Distribution        `json:"fraud_distribution"`
	AmountStatistics  AmountStatistics    `json:"amount_statistics"`
	TopFeatures       []FeatureImportance `json:"top_features"`
}

// Exporter builds reports from the configured log with a fixed pipeline.
type Exporter struct {
	dataPath    string
	pipeline    *model.Pipeline
	extractor   *features.Extractor
	topFeatures int
	logger      *slog.Logger
	now         func() time.Time
}

// NewExporter creates an exporter. topFeatures <= 0 uses DefaultTopFeatures.
func NewExporter(dataPath string, pipeline *model.Pipeline, extractor *features.Extractor, topFeatures int, logger *slog.Logger) *Exporter {
	if topFeatures <= 0 {
		topFeatures = DefaultTopFeatures
	}
	return &Exporter{
		dataPath:    dataPath,
		pipeline:    pipeline,
		extractor:   extractor,
		topFeatures: topFeatures,
		logger:      logger,
		now:         time.Now,
	}
}

// Export scores every row of the log and summarises the result. Rows the
// CSV layer cannot parse are left out; rows without a label count toward
// DatasetSize only.
func (e *Exporter) Export(ctx context.Context) (*Report, error) {
	id := idgen.WithPrefix(idgen.PrefixReport)
	ctx, span := traces.StartSpan(ctx, "report.Exporter.Export", traces.ReportID(id), traces.DatasetPath(e.dataPath))
	defer span.End()

	start := time.Now()
	defer func() { metrics.ReportExportDuration.Observe(time.Since(start).Seconds()) }()

	rows, err := source.ReadAll(ctx, e.dataPath)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	var (
		labels  []int
		preds   []int
		scores  []float64
		hasProb = true
		fraud   []float64
		legit   []float64
	)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev := e.extractor.Extract(row).Event
		if ev.TrueLabel == nil {
			continue
		}
		s := e.pipeline.ScoreEvent(ev)
		labels = append(labels, *ev.TrueLabel)
		preds = append(preds, s.Label)
		if s.Confidence == nil {
			hasProb = false
		} else {
			scores = append(scores, *s.Confidence)
		}
		if *ev.TrueLabel == 1 {
			fraud = append(fraud, ev.Amount)
		} else {
			legit = append(legit, ev.Amount)
		}
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLabels, e.dataPath)
	}
	if !hasProb {
		scores = nil
	}

	r := &Report{
		ID:          id,
		Timestamp:   e.now().UTC(),
		DatasetSize: len(rows),
		Threshold:   e.pipeline.Threshold(),
		Metrics:     computeMetrics(labels, preds, scores),
		FraudDistribution: Distribution{
			Legitimate: int64(len(legit)),
			Fraud:      int64(len(fraud)),
			FraudRate:  float64(len(fraud)) / float64(len(rows)) * 100,
		},
		AmountStatistics: AmountStatistics{
			Fraud:      describe(fraud),
			Legitimate: describe(legit),
		},
		TopFeatures: e.importances(),
	}

	e.logger.Info("report exported",
		"id", r.ID,
		"rows", r.DatasetSize,
		"labelled", len(labels),
		"f1", r.Metrics.F1,
		"took", time.Since(start),
	)
	return r, nil
}

// importances ranks the model inputs when the classifier exposes
// per-feature weights and is empty otherwise.
func (e *Exporter) importances() []FeatureImportance {
	art := e.pipeline.Artifact()
	imp, ok := art.Classifier().(model.Importancer)
	if !ok {
		return []FeatureImportance{}
	}
	names := art.FeatureNames()
	vals := imp.Importances()
	out := make([]FeatureImportance, 0, len(vals))
	for i, v := range vals {
		if i < len(names) {
			out = append(out, FeatureImportance{Feature: names[i], Importance: v})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	if len(out) > e.topFeatures {
		out = out[:e.topFeatures]
	}
	return out
}
