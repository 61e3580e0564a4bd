package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/observability"
)

// Loader writes a finished run to a destination.
type Loader interface {
	Load(ctx context.Context, result domain.Result) error
}

// Pipeline orchestrates fetch, clean and load for a single query.
type Pipeline struct {
	source  domain.OccurrenceSource
	cleaner *Cleaner
	loaders []Loader
	logger  *slog.Logger
	metrics *observability.Metrics
	last    atomic.Pointer[domain.Result]
	running sync.Mutex
}

// New creates a Pipeline with the given stages and observability.
func New(source domain.OccurrenceSource, cleaner *Cleaner, loaders []Loader, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		source:  source,
		cleaner: cleaner,
		loaders: loaders,
		logger:  logger,
		metrics: metrics,
	}
}

// CheckReadiness returns nil once a run has completed, or an error describing
// why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if p.last.Load() == nil {
		return errors.New("no cleaning run has completed yet")
	}
	return nil
}

// LastResult returns the most recent successful run.
func (p *Pipeline) LastResult() (domain.Result, bool) {
	r := p.last.Load()
	if r == nil {
		return domain.Result{}, false
	}
	return *r, true
}

// Run fetches, cleans and loads the records for q. Source and schema failures
// abort the run; a stage that leaves no records adds a warning instead. Runs
// do not overlap: a call made while another is executing returns
// domain.ErrRunInProgress without touching metrics or the last result.
func (p *Pipeline) Run(ctx context.Context, q domain.Query) (domain.Result, error) {
	if !p.running.TryLock() {
		return domain.Result{}, domain.ErrRunInProgress
	}
	defer p.running.Unlock()

	clock := domain.Clock()
	result := domain.Result{
		RunID:     uuid.NewString(),
		StartedAt: clock.Now().UTC(),
	}
	logger := p.logger.With("run_id", result.RunID)

	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	err := p.run(ctx, q, &result, logger)
	result.FinishedAt = clock.Now().UTC()
	if err == nil {
		err = p.load(ctx, result)
	}

	p.metrics.RunDuration.Set(result.FinishedAt.Sub(result.StartedAt).Seconds())
	p.metrics.LastRunTimestamp.Set(float64(result.FinishedAt.Unix()))
	if err != nil {
		p.metrics.LastRunSuccess.Set(0)
		return result, err
	}
	p.metrics.LastRunSuccess.Set(1)
	p.last.Store(&result)

	logger.Info("run complete",
		"clean", len(result.Clean),
		"flagged", len(result.Flagged),
		"excluded", len(result.Excluded),
		"warnings", len(result.Warnings),
		"duration", result.FinishedAt.Sub(result.StartedAt),
	)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, q domain.Query, result *domain.Result, logger *slog.Logger) error {
	q, err := domain.NormalizeQuery(q)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	result.Query = q
	logger.Info("run started", "species", q.Species, "limit", q.Limit, "require_coords", q.RequireCoords)

	raw, err := p.source.Fetch(ctx, q)
	if err != nil {
		return fmt.Errorf("fetch occurrences: %w", err)
	}
	result.Stages = append(result.Stages, domain.StageCount{Stage: StageFetch, Remaining: len(raw)})

	cleaned, err := p.cleaner.Clean(ctx, raw)
	if err != nil {
		return err
	}
	result.Clean = cleaned.Clean
	result.Flagged = cleaned.Flagged
	result.Excluded = cleaned.Excluded
	result.Tests = cleaned.Tests
	result.FlagReport = cleaned.FlagReport
	result.Stages = append(result.Stages, cleaned.Stages...)

	for _, s := range result.Stages {
		p.metrics.StageRecords.WithLabelValues(s.Stage).Set(float64(s.Remaining))
		logger.Info("stage complete", "stage", s.Stage, "remaining", s.Remaining)
	}
	result.Warnings = emptyStageWarnings(result.Stages)
	for _, w := range result.Warnings {
		logger.Warn("empty result set", "stage", w.Stage, "remaining", w.Remaining)
	}
	return nil
}

func (p *Pipeline) load(ctx context.Context, result domain.Result) error {
	for _, l := range p.loaders {
		if err := l.Load(ctx, result); err != nil {
			return fmt.Errorf("load: %w", err)
		}
	}
	return nil
}

// emptyStageWarnings reports the first stage that leaves no records. Later
// stages are necessarily empty too and are not repeated.
func emptyStageWarnings(stages []domain.StageCount) []domain.Warning {
	for _, s := range stages {
		if s.Remaining == 0 {
			return []domain.Warning{{
				Stage:     s.Stage,
				Remaining: 0,
				Message:   fmt.Sprintf("no records remain after %s", s.Stage),
			}}
		}
	}
	return nil
}
