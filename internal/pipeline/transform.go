package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/observability"
)

// Stage names as they appear in Result.Stages and metrics.
const (
	StageFetch     = "fetch"
	StageProject   = "project"
	StageGeoFilter = "geo_filter"
	StageNormalize = "normalize"
	StageFlag      = "flag"
	StageQuality   = "quality"
)

// CleanOptions configures the in-memory cleaning stages.
type CleanOptions struct {
	Flag       domain.FlagOptions
	Quality    domain.QualityOptions
	References *domain.ReferenceSet
	// Institutions, when set, resolves institution codes to extra reference
	// points before flagging.
	Institutions domain.InstitutionLocator
}

// Cleaner runs project, geo-filter, normalize, flag and quality over a raw
// table.
type Cleaner struct {
	opts    CleanOptions
	quality *domain.QualityFilter
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCleaner creates a Cleaner.
func NewCleaner(opts CleanOptions, logger *slog.Logger, metrics *observability.Metrics) *Cleaner {
	if opts.References == nil {
		opts.References = domain.NewReferenceSet(nil)
	}
	return &Cleaner{
		opts:    opts,
		quality: domain.NewQualityFilter(opts.Quality),
		logger:  logger,
		metrics: metrics,
	}
}

// Cleaned is the output of the cleaning stages.
type Cleaned struct {
	Clean      []domain.FlaggedOccurrence
	Flagged    []domain.FlaggedOccurrence
	Excluded   []domain.Exclusion
	Tests      []domain.FlagTest
	FlagReport domain.FlagReport
	Stages     []domain.StageCount
}

// Clean projects and filters raw records. Only schema mismatches and context
// cancellation during institution lookup are returned as errors.
func (c *Cleaner) Clean(ctx context.Context, raw []domain.RawRecord) (Cleaned, error) {
	var out Cleaned

	projected, err := domain.Project(raw)
	if err != nil {
		return Cleaned{}, fmt.Errorf("project: %w", err)
	}
	projected, blank, repeated := domain.DedupeIDs(projected)
	if blank > 0 || repeated > 0 {
		c.logger.Warn("dropped records without a unique gbifID", "blank", blank, "repeated", repeated)
	}
	out.Stages = append(out.Stages, domain.StageCount{Stage: StageProject, Remaining: len(projected)})

	georeferenced := domain.FilterGeoreferenced(projected)
	out.Stages = append(out.Stages, domain.StageCount{Stage: StageGeoFilter, Remaining: len(georeferenced)})
	if dropped := len(projected) - len(georeferenced); dropped > 0 {
		c.logger.Info("dropped records without usable coordinates", "dropped", dropped)
	}

	normalized, misses := domain.NormalizeCountries(georeferenced)
	out.Stages = append(out.Stages, domain.StageCount{Stage: StageNormalize, Remaining: len(normalized)})
	if misses > 0 {
		c.metrics.NormalizationMisses.Add(float64(misses))
		c.logger.Warn("country codes without alpha-3 mapping", "misses", misses, "records", len(normalized))
	}

	refs := c.opts.References
	if c.opts.Institutions != nil {
		extra, err := domain.ResolveInstitutions(ctx, normalized, c.opts.Institutions, c.logger)
		if err != nil {
			return Cleaned{}, fmt.Errorf("resolve institutions: %w", err)
		}
		if len(extra) > 0 {
			refs = refs.With(extra...)
			c.logger.Info("institution locations resolved", "institutions", len(extra))
		}
	}

	flagger := domain.NewFlagger(c.opts.Flag, refs)
	flagged, report := flagger.Flag(normalized)
	clean, dirty := domain.Partition(flagged)
	out.Tests = flagger.Tests()
	out.FlagReport = report
	out.Flagged = dirty
	out.Stages = append(out.Stages, domain.StageCount{Stage: StageFlag, Remaining: len(clean)})
	for test, n := range report.Failures {
		c.metrics.FlagFailures.WithLabelValues(string(test)).Add(float64(n))
	}

	kept, excluded := c.quality.Apply(clean)
	out.Clean = kept
	out.Excluded = excluded
	out.Stages = append(out.Stages, domain.StageCount{Stage: StageQuality, Remaining: len(kept)})
	for _, ex := range excluded {
		c.metrics.QualityRejections.WithLabelValues(string(ex.Reason)).Inc()
	}

	return out, nil
}
