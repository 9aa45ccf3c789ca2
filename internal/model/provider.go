package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/source"
	"github.com/mbd888/fraudwatch/internal/traces"
)

// ProviderConfig says where the artifact comes from.
type ProviderConfig struct {
	// ModelPath is a checkpoint to load. When it does not exist the
	// provider fits from DataPath and writes the result there.
	ModelPath string
	// DataPath is the labelled transaction log used for fitting.
	DataPath string
	// ThresholdPath is an optional {"threshold": x} override file.
	ThresholdPath string
	// Threshold, when set, wins over both the file and the checkpoint.
	Threshold *float64
	Fit       FitOptions
}

// Provider builds the one Artifact a process scores with.
type Provider struct {
	cfg    ProviderConfig
	logger *slog.Logger
}

// NewProvider creates a model provider.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) *Provider {
	if cfg.Fit.Iterations == 0 {
		cfg.Fit = DefaultFitOptions()
	}
	return &Provider{cfg: cfg, logger: logger}
}

// Artifact loads the checkpoint or fits a new model, then applies the
// threshold overrides. Any failure here is fatal for start-up.
func (p *Provider) Artifact(ctx context.Context) (*Artifact, error) {
	ctx, span := traces.StartSpan(ctx, "model.Provider.Artifact", traces.DatasetPath(p.cfg.DataPath))
	defer span.End()

	var (
		a   *Artifact
		err error
	)
	if p.cfg.ModelPath != "" {
		a, err = LoadArtifact(p.cfg.ModelPath)
		switch {
		case err == nil:
			p.logger.Info("model checkpoint loaded", "path", p.cfg.ModelPath, "fitted_at", a.FittedAt())
		case errors.Is(err, ErrNoArtifact):
			a = nil
		default:
			return nil, err
		}
	}

	if a == nil {
		if p.cfg.DataPath == "" {
			return nil, fmt.Errorf("%w: no checkpoint and no dataset to fit from", ErrNoArtifact)
		}
		start := time.Now()
		a, err = p.fit(ctx)
		if err != nil {
			return nil, err
		}
		p.logger.Info("model fitted", "path", p.cfg.DataPath, "features", a.Width(), "took", time.Since(start))
		if p.cfg.ModelPath != "" {
			if err := a.Save(p.cfg.ModelPath); err != nil {
				p.logger.Warn("failed to save model checkpoint", "path", p.cfg.ModelPath, "error", err)
			}
		}
	}

	if t, found, err := LoadThreshold(p.cfg.ThresholdPath); err != nil {
		return nil, err
	} else if found {
		if a, err = a.WithThreshold(t); err != nil {
			return nil, err
		}
		p.logger.Info("threshold loaded from file", "path", p.cfg.ThresholdPath, "threshold", t)
	}
	if p.cfg.Threshold != nil {
		if a, err = a.WithThreshold(*p.cfg.Threshold); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (p *Provider) fit(ctx context.Context) (*Artifact, error) {
	rows, err := source.ReadAll(ctx, p.cfg.DataPath)
	if err != nil {
		return nil, err
	}
	names := features.CanonicalNames()
	x, y, err := Dataset(rows, names)
	if err != nil {
		return nil, err
	}
	return FitArtifact(names, x, y, p.cfg.Fit)
}

// FitArtifact fits a scaler on x and a logistic regression on the scaled
// rows, returning them as one artifact at the default threshold.
func FitArtifact(names []string, x [][]float64, y []int, opts FitOptions) (*Artifact, error) {
	scaler, err := FitScaler(x)
	if err != nil {
		return nil, err
	}
	scaled := make([][]float64, len(x))
	for i, row := range x {
		scaled[i] = scaler.Transform(row)
	}
	clf, err := FitLogistic(scaled, y, opts)
	if err != nil {
		return nil, err
	}
	return NewArtifact(names, scaler, clf, DefaultThreshold)
}

// Dataset extracts labelled vectors from rows. Rows without a label are
// dropped since they cannot be fitted on.
func Dataset(rows []source.Row, names []string) ([][]float64, []int, error) {
	ex, err := features.NewExtractor(names, len(names))
	if err != nil {
		return nil, nil, err
	}
	x := make([][]float64, 0, len(rows))
	y := make([]int, 0, len(rows))
	for _, row := range rows {
		res := ex.Extract(row)
		if res.Event.TrueLabel == nil {
			continue
		}
		x = append(x, res.Event.Vector)
		y = append(y, *res.Event.TrueLabel)
	}
	if len(x) == 0 {
		return nil, nil, fmt.Errorf("%w: no labelled rows", ErrEmptyDataset)
	}
	return x, y, nil
}
