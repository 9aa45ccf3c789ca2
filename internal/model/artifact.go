// Package model holds the fitted scaler + classifier pair used to score
// transactions, plus the provider that builds or loads it.
//
// An Artifact is built once and never mutated. Every stream shares the same
// instance, so scoring needs no locking.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrNoArtifact       = errors.New("model: artifact not found")
	ErrFeatureOrder     = errors.New("model: feature order mismatch")
	ErrInvalidThreshold = errors.New("model: threshold must be within [0, 1]")
	ErrUnsupportedModel = errors.New("model: unsupported classifier type")
)

// DefaultThreshold is the decision cut when nothing overrides it.
const DefaultThreshold = 0.5

// Artifact is a scaler and classifier fitted together on one feature order.
type Artifact struct {
	featureNames []string
	scaler       *Scaler
	classifier   Classifier
	threshold    float64
	fittedAt     time.Time
}

// NewArtifact validates that the scaler, the classifier and the declared
// feature names all agree on width.
func NewArtifact(names []string, scaler *Scaler, clf Classifier, threshold float64) (*Artifact, error) {
	if scaler == nil || clf == nil {
		return nil, fmt.Errorf("%w: scaler and classifier are required", ErrNoArtifact)
	}
	if err := scaler.validate(); err != nil {
		return nil, err
	}
	if len(names) != scaler.Width() || clf.Width() != scaler.Width() {
		return nil, fmt.Errorf("%w: %d names, scaler width %d, classifier width %d",
			ErrFeatureOrder, len(names), scaler.Width(), clf.Width())
	}
	if err := checkThreshold(threshold); err != nil {
		return nil, err
	}
	return &Artifact{
		featureNames: append([]string(nil), names...),
		scaler:       scaler,
		classifier:   clf,
		threshold:    threshold,
		fittedAt:     time.Now().UTC(),
	}, nil
}

// FeatureNames returns the input order the artifact was fitted on.
func (a *Artifact) FeatureNames() []string { return append([]string(nil), a.featureNames...) }

// Width is the expected input vector length.
func (a *Artifact) Width() int { return len(a.featureNames) }

// Threshold is the decision cut used by pipelines built on this artifact.
func (a *Artifact) Threshold() float64 { return a.threshold }

// FittedAt is when the artifact was produced.
func (a *Artifact) FittedAt() time.Time { return a.fittedAt }

// Classifier exposes the fitted classifier (read-only use).
func (a *Artifact) Classifier() Classifier { return a.classifier }

// WithThreshold returns a copy of the artifact with a different cut. The
// scaler and classifier are shared, not copied.
func (a *Artifact) WithThreshold(t float64) (*Artifact, error) {
	if err := checkThreshold(t); err != nil {
		return nil, err
	}
	cp := *a
	cp.threshold = t
	return &cp, nil
}

// CheckFeatureOrder fails unless names match the fitted order exactly.
func (a *Artifact) CheckFeatureOrder(names []string) error {
	if len(names) != len(a.featureNames) {
		return fmt.Errorf("%w: got %d names, fitted on %d", ErrFeatureOrder, len(names), len(a.featureNames))
	}
	for i := range names {
		if names[i] != a.featureNames[i] {
			return fmt.Errorf("%w: position %d is %q, fitted on %q", ErrFeatureOrder, i, names[i], a.featureNames[i])
		}
	}
	return nil
}

func checkThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, t)
	}
	return nil
}

// checkpoint is the on-disk JSON form of an Artifact.
type checkpoint struct {
	FeatureNames []string  `json:"feature_names"`
	Scaler       *Scaler   `json:"scaler"`
	ModelType    string    `json:"model_type"`
	Logistic     *Logistic `json:"logistic,omitempty"`
	Threshold    float64   `json:"threshold"`
	FittedAt     time.Time `json:"fitted_at"`
}

const modelTypeLogistic = "logistic"

// Save writes the artifact as a JSON checkpoint, creating parent dirs.
func (a *Artifact) Save(path string) error {
	lr, ok := a.classifier.(*Logistic)
	if !ok {
		return fmt.Errorf("%w: %T cannot be checkpointed", ErrUnsupportedModel, a.classifier)
	}
	data, err := json.MarshalIndent(checkpoint{
		FeatureNames: a.featureNames,
		Scaler:       a.scaler,
		ModelType:    modelTypeLogistic,
		Logistic:     lr,
		Threshold:    a.threshold,
		FittedAt:     a.fittedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("model: encode checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("model: create checkpoint dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("model: write checkpoint: %w", err)
	}
	return nil
}

// LoadArtifact reads a checkpoint written by Save.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoArtifact, path)
		}
		return nil, fmt.Errorf("model: read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("model: decode checkpoint: %w", err)
	}
	if cp.ModelType != modelTypeLogistic || cp.Logistic == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, cp.ModelType)
	}
	a, err := NewArtifact(cp.FeatureNames, cp.Scaler, cp.Logistic, cp.Threshold)
	if err != nil {
		return nil, err
	}
	if !cp.FittedAt.IsZero() {
		a.fittedAt = cp.FittedAt
	}
	return a, nil
}

// LoadThreshold reads {"threshold": x} from path. A missing file reports
// found=false with no error.
func LoadThreshold(path string) (threshold float64, found bool, err error) {
	if path == "" {
		return 0, false, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("model: read threshold: %w", err)
	}
	var doc struct {
		Threshold *float64 `json:"threshold"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, false, fmt.Errorf("model: decode threshold: %w", err)
	}
	if doc.Threshold == nil {
		return 0, false, nil
	}
	if err := checkThreshold(*doc.Threshold); err != nil {
		return 0, false, err
	}
	return *doc.Threshold, true, nil
}
