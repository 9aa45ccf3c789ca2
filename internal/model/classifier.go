package model

import (
	"errors"
	"fmt"
	"math"
)

// Classifier produces a class-1 probability from a scaled feature vector.
// Implementations without a probability output return ok=false from
// Probability and must still answer Decide.
type Classifier interface {
	Probability(x []float64) (p float64, ok bool)
	Decide(x []float64) int
	Width() int
}

// Importancer is implemented by classifiers that expose per-feature weights.
type Importancer interface {
	Importances() []float64
}

// Logistic is a binary logistic regression over scaled inputs.
type Logistic struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// Width implements Classifier.
func (l *Logistic) Width() int { return len(l.Weights) }

// Probability implements Classifier.
func (l *Logistic) Probability(x []float64) (float64, bool) {
	return sigmoid(l.logit(x)), true
}

// Decide implements Classifier with the model's own 0.5 cut.
func (l *Logistic) Decide(x []float64) int {
	if l.logit(x) >= 0 {
		return 1
	}
	return 0
}

// Importances returns |w_j| normalised to sum to 1.
func (l *Logistic) Importances() []float64 {
	out := make([]float64, len(l.Weights))
	var total float64
	for j, w := range l.Weights {
		out[j] = math.Abs(w)
		total += out[j]
	}
	if total == 0 {
		return out
	}
	for j := range out {
		out[j] /= total
	}
	return out
}

func (l *Logistic) logit(x []float64) float64 {
	z := l.Bias
	for j, w := range l.Weights {
		z += w * x[j]
	}
	return z
}

// sigmoid is split by sign to avoid overflow in exp.
func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// FitOptions controls logistic regression training.
type FitOptions struct {
	Iterations   int
	LearningRate float64
	L2           float64
}

// DefaultFitOptions mirrors a plain, unweighted logistic regression.
func DefaultFitOptions() FitOptions {
	return FitOptions{Iterations: 300, LearningRate: 0.5, L2: 1e-4}
}

// FitLogistic trains on already-scaled rows with full-batch gradient
// descent. It is deterministic: the same inputs give the same weights.
func FitLogistic(x [][]float64, y []int, opts FitOptions) (*Logistic, error) {
	if len(x) == 0 {
		return nil, ErrEmptyDataset
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("model: %d rows but %d labels", len(x), len(y))
	}
	if opts.Iterations <= 0 || opts.LearningRate <= 0 {
		return nil, errors.New("model: iterations and learning rate must be positive")
	}

	width := len(x[0])
	l := &Logistic{Weights: make([]float64, width)}
	grad := make([]float64, width)
	n := float64(len(x))

	for it := 0; it < opts.Iterations; it++ {
		for j := range grad {
			grad[j] = 0
		}
		var gradBias float64
		for i, row := range x {
			diff := sigmoid(l.logit(row)) - float64(y[i])
			for j, v := range row {
				grad[j] += diff * v
			}
			gradBias += diff
		}
		for j := range l.Weights {
			l.Weights[j] -= opts.LearningRate * (grad[j]/n + opts.L2*l.Weights[j])
		}
		l.Bias -= opts.LearningRate * gradBias / n
	}
	return l, nil
}
