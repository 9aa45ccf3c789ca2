package model

import (
	"time"

	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/metrics"
)

// Score is the classification of one vector. Confidence is nil when the
// classifier has no probability output and Label came from its own
// decision function.
type Score struct {
	Label      int
	Confidence *float64
}

// ConfidenceOr returns the confidence or def when unavailable.
func (s Score) ConfidenceOr(def float64) float64 {
	if s.Confidence == nil {
		return def
	}
	return *s.Confidence
}

// ScoredEvent is an event plus its classification.
type ScoredEvent struct {
	features.Event
	Score
}

// Pipeline scales and classifies feature vectors with one fixed artifact.
type Pipeline struct {
	artifact *Artifact
}

// NewPipeline wraps an artifact. The pipeline holds no mutable state.
func NewPipeline(a *Artifact) *Pipeline {
	return &Pipeline{artifact: a}
}

// Artifact returns the artifact the pipeline scores with.
func (p *Pipeline) Artifact() *Artifact { return p.artifact }

// Threshold is the decision cut.
func (p *Pipeline) Threshold() float64 { return p.artifact.threshold }

// Score classifies x, which must be in the artifact's feature order with
// Width elements. The order is a precondition and is not checked per call;
// use Artifact.CheckFeatureOrder once at start-up. A confidence equal to
// the threshold is class 1.
func (p *Pipeline) Score(x []float64) Score {
	start := time.Now()
	defer func() {
		metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	}()

	scaled := p.artifact.scaler.Transform(x)
	prob, ok := p.artifact.classifier.Probability(scaled)
	if !ok {
		return Score{Label: p.artifact.classifier.Decide(scaled)}
	}
	label := 0
	if prob >= p.artifact.threshold {
		label = 1
	}
	return Score{Label: label, Confidence: &prob}
}

// ScoreEvent is Score applied to an extracted event.
func (p *Pipeline) ScoreEvent(ev features.Event) ScoredEvent {
	return ScoredEvent{Event: ev, Score: p.Score(ev.Vector)}
}
