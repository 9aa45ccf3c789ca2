package model

import (
	"errors"
	"fmt"
	"math"
)

var ErrEmptyDataset = errors.New("model: empty dataset")

// Scaler is a fitted per-feature standardisation: (x - Mean) / Scale.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes population mean and standard deviation per column.
// A constant column gets scale 1 so it maps to zero instead of dividing by
// zero.
func FitScaler(rows [][]float64) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyDataset
	}
	width := len(rows[0])
	mean := make([]float64, width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("model: row %d has width %d, want %d", i, len(r), width)
		}
		for j, v := range r {
			mean[j] += v
		}
	}
	n := float64(len(rows))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, width)
	for _, r := range rows {
		for j, v := range r {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}
	return &Scaler{Mean: mean, Scale: scale}, nil
}

// Width is the number of features the scaler was fitted on.
func (s *Scaler) Width() int { return len(s.Mean) }

// Transform returns a new standardised vector. The caller guarantees x is in
// the fitted feature order and has Width elements; neither is checked here.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(s.Mean))
	for j := range s.Mean {
		out[j] = (x[j] - s.Mean[j]) / s.Scale[j]
	}
	return out
}

func (s *Scaler) validate() error {
	if len(s.Mean) == 0 {
		return errors.New("model: scaler has no features")
	}
	if len(s.Mean) != len(s.Scale) {
		return fmt.Errorf("model: scaler mean/scale width differ (%d vs %d)", len(s.Mean), len(s.Scale))
	}
	for j, v := range s.Scale {
		if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("model: scaler scale[%d] is %v", j, v)
		}
	}
	return nil
}
