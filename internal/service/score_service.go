// Package service runs scoring jobs against configured datasets.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cnk113/cacoa/internal/clusterfree"
	"github.com/cnk113/cacoa/internal/config"
	"github.com/cnk113/cacoa/internal/dataset"
	"github.com/cnk113/cacoa/internal/jobstore"
)

// ErrBadParams reports job parameters that cannot be run.
var ErrBadParams = errors.New("invalid job parameters")

// DatasetLookup resolves dataset ids to their sources.
type DatasetLookup interface {
	Get(datasetID string) *dataset.Source
}

// ScoreService executes z-score and expression shift jobs.
type ScoreService struct {
	registry DatasetLookup
	defaults config.ScoringConfig
	logger   *zap.Logger
}

// NewScoreService creates a new score service.
func NewScoreService(registry DatasetLookup, defaults config.ScoringConfig, logger *zap.Logger) *ScoreService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScoreService{registry: registry, defaults: defaults, logger: logger}
}

// ValidateParams checks the parameters of a job before it is queued.
func (s *ScoreService) ValidateParams(p jobstore.JobParams) error {
	if s.registry.Get(p.DatasetID) == nil {
		return fmt.Errorf("%w: dataset not found: %s", ErrBadParams, p.DatasetID)
	}
	switch p.Kind {
	case jobstore.KindZScore:
		_, err := s.ZScoreOptions(p)
		return err
	case jobstore.KindShift:
		_, err := s.ShiftOptions(p)
		return err
	default:
		return fmt.Errorf("%w: unknown kind %q (expected zscore or shift)", ErrBadParams, p.Kind)
	}
}

// ZScoreOptions merges job overrides into the configured defaults.
func (s *ScoreService) ZScoreOptions(p jobstore.JobParams) (clusterfree.ZScoreOptions, error) {
	opts := clusterfree.DefaultZScoreOptions()
	d := s.defaults
	opts.Workers = max(1, d.Workers)
	if d.MinSamplesPerCondition != nil {
		opts.MinSamplesPerCondition = *d.MinSamplesPerCondition
	}
	if d.MinObsPerSample != nil {
		opts.MinObsPerSample = *d.MinObsPerSample
	}
	if d.Robust != nil {
		opts.Robust = *d.Robust
	}
	if d.MinZ != nil {
		opts.MinZ = *d.MinZ
	}

	if p.MinSamplesPerCondition != nil {
		opts.MinSamplesPerCondition = *p.MinSamplesPerCondition
	}
	if p.MinObsPerSample != nil {
		opts.MinObsPerSample = *p.MinObsPerSample
	}
	if p.Robust != nil {
		opts.Robust = *p.Robust
	}
	if p.MinZ != nil {
		opts.MinZ = *p.MinZ
	}
	if opts.MinSamplesPerCondition < 0 || opts.MinObsPerSample < 0 || opts.MinZ < 0 {
		return opts, fmt.Errorf("%w: thresholds must be non-negative", ErrBadParams)
	}
	return opts, nil
}

// ShiftOptions merges job overrides into the configured defaults.
func (s *ScoreService) ShiftOptions(p jobstore.JobParams) (clusterfree.ShiftOptions, error) {
	opts := clusterfree.DefaultShiftOptions()
	d := s.defaults
	opts.Workers = max(1, d.Workers)
	if d.MinBetween != nil {
		opts.MinBetween = *d.MinBetween
	}
	if d.MinWithin != nil {
		opts.MinWithin = *d.MinWithin
	}
	if d.MinObsPerSample != nil {
		opts.MinObsPerSample = *d.MinObsPerSample
	}
	opts.NormAll = d.NormAll
	opts.LogVecs = d.LogVecs

	metric := d.Metric
	if p.Metric != "" {
		metric = p.Metric
	}
	if metric != "" {
		m, err := clusterfree.ParseMetric(metric)
		if err != nil {
			return opts, fmt.Errorf("%w: %v", ErrBadParams, err)
		}
		opts.Metric = m
	}

	if p.MinBetween != nil {
		opts.MinBetween = *p.MinBetween
	}
	if p.MinWithin != nil {
		opts.MinWithin = *p.MinWithin
	}
	if p.MinObsPerSample != nil {
		opts.MinObsPerSample = *p.MinObsPerSample
	}
	if p.NormAll != nil {
		opts.NormAll = *p.NormAll
	}
	if p.LogVecs != nil {
		opts.LogVecs = *p.LogVecs
	}
	if opts.MinBetween < 0 || opts.MinWithin < 0 || opts.MinObsPerSample < 0 {
		return opts, fmt.Errorf("%w: thresholds must be non-negative", ErrBadParams)
	}
	return opts, nil
}

// ExecuteJob runs a scoring job (called by JobManager worker).
func (s *ScoreService) ExecuteJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job := store.GetJob(jobID)
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	log := s.logger.With(zap.String("job", jobID), zap.String("dataset", job.DatasetID), zap.String("kind", string(job.Kind)))

	src := s.registry.Get(job.Params.DatasetID)
	if src == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}

	// Phase 1: load inputs
	store.UpdateJobProgress(jobID, "loading_dataset", 0, 1)
	ds, err := src.Get()
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: score neighborhoods
	total := ds.Neighborhoods.Len()
	store.UpdateJobProgress(jobID, "scoring", 0, total)
	progress := func(done, total int) {
		store.UpdateJobProgress(jobID, "scoring", done, total)
	}

	start := time.Now()
	var res jobstore.Result
	switch job.Params.Kind {
	case jobstore.KindZScore:
		opts, err := s.ZScoreOptions(job.Params)
		if err != nil {
			return err
		}
		opts.Progress = progress
		res.ZScores, err = clusterfree.ZScoreMatrix(ctx, ds.Counts, ds.SamplePerCell, ds.Neighborhoods, ds.IsRef, opts)
		if err != nil {
			return err
		}
	case jobstore.KindShift:
		opts, err := s.ShiftOptions(job.Params)
		if err != nil {
			return err
		}
		opts.Progress = progress
		res.Shifts, err = clusterfree.ExpressionShifts(ctx, ds.Counts, ds.SamplePerCell, ds.Neighborhoods, ds.IsRef, opts)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadParams, job.Params.Kind)
	}

	// Phase 3: store results
	if err := store.SetResult(jobID, &res); err != nil {
		return err
	}
	store.UpdateJobProgress(jobID, "done", total, total)

	stored := store.GetJob(jobID)
	log.Info("job scored",
		zap.Int("neighborhoods", total),
		zap.Int("entries", stored.NNZ),
		zap.Int("nan", stored.NaNCount),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
