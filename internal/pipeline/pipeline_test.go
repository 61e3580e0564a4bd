package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/observability"
	"github.com/couchcryptid/occurrence-qc/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- mocks ---

type mockSource struct {
	records []domain.RawRecord
	err     error
	queries []domain.Query
}

func (m *mockSource) Fetch(_ context.Context, q domain.Query) ([]domain.RawRecord, error) {
	m.queries = append(m.queries, q)
	return m.records, m.err
}

// gatedSource blocks in Fetch until release is closed.
type gatedSource struct {
	records []domain.RawRecord
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) Fetch(ctx context.Context, _ domain.Query) ([]domain.RawRecord, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return g.records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type mockLoader struct {
	loaded []domain.Result
	err    error
}

func (m *mockLoader) Load(_ context.Context, r domain.Result) error {
	if m.err != nil {
		return m.err
	}
	m.loaded = append(m.loaded, r)
	return nil
}

type mockLocator struct {
	institutions map[string]domain.Institution
}

func (m *mockLocator) LocateInstitution(_ context.Context, code string) (domain.Institution, bool, error) {
	inst, ok := m.institutions[code]
	return inst, ok, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testReferences() *domain.ReferenceSet {
	return domain.NewReferenceSet([]domain.ReferencePoint{
		{Kind: domain.KindCapital, Country: "FRA", Name: "Paris", Point: domain.Point{Lon: 2.3522, Lat: 48.8566}},
		{Kind: domain.KindCentroid, Country: "FRA", Point: domain.Point{Lon: 2.55, Lat: 46.56}},
	})
}

func raw(id, countryCode string, lon, lat any) domain.RawRecord {
	return domain.RawRecord{
		"gbifID":           id,
		"scientificName":   "Puma concolor (Linnaeus, 1771)",
		"species":          "Puma concolor",
		"decimalLongitude": lon,
		"decimalLatitude":  lat,
		"countryCode":      countryCode,
		"basisOfRecord":    domain.BasisHumanObservation,
	}
}

func with(r domain.RawRecord, key string, value any) domain.RawRecord {
	r[key] = value
	return r
}

// scenarioRecords covers every routing outcome:
// clean 1,4,9; flagged 2,3,10; excluded 6,7,8; 5 has no coordinates.
func scenarioRecords() []domain.RawRecord {
	return []domain.RawRecord{
		with(with(raw("1", "FR", 5.37, 43.30), "individualCount", 1), "coordinateUncertaintyInMeters", 10.0),
		raw("2", "FR", 0.0, 0.0),
		raw("3", "FR", 2.36, 48.86),
		raw("4", "US", -105.27, 40.01),
		raw("5", "US", nil, nil),
		with(raw("6", "DE", 13.0, 52.1), "basisOfRecord", "FOSSIL_SPECIMEN"),
		with(raw("7", "ES", -3.1, 40.2), "individualCount", 0),
		with(raw("8", "IT", 12.1, 41.5), "coordinateUncertaintyInMeters", 250000.0),
		raw("9", "ZZ", -47.2, -15.9),
		raw("10", "BR", 45.0, 45.0),
	}
}

func newPipeline(src domain.OccurrenceSource, opts pipeline.CleanOptions, metrics *observability.Metrics, loaders ...pipeline.Loader) *pipeline.Pipeline {
	if opts.Flag.Tests == nil {
		opts.Flag = domain.DefaultFlagOptions()
	}
	if opts.Quality.AcceptedBasis == nil {
		opts.Quality = domain.DefaultQualityOptions()
	}
	if opts.References == nil {
		opts.References = testReferences()
	}
	cleaner := pipeline.NewCleaner(opts, discardLogger(), metrics)
	return pipeline.New(src, cleaner, loaders, discardLogger(), metrics)
}

func flaggedIDs(recs []domain.FlaggedOccurrence) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

// --- tests ---

func TestPipeline_Run_Scenario(t *testing.T) {
	src := &mockSource{records: scenarioRecords()}
	ldr := &mockLoader{}
	metrics := observability.NewMetricsForTesting()
	p := newPipeline(src, pipeline.CleanOptions{}, metrics, ldr)

	result, err := p.Run(context.Background(), domain.Query{Species: "puma  concolor", Limit: 3000, RequireCoords: true})
	require.NoError(t, err)

	require.Len(t, src.queries, 1)
	assert.Equal(t, "Puma concolor", src.queries[0].Species)
	assert.Equal(t, "Puma concolor", result.Query.Species)

	assert.Equal(t, []string{"1", "4", "9"}, flaggedIDs(result.Clean))
	assert.Equal(t, []string{"2", "3", "10"}, flaggedIDs(result.Flagged))
	require.Len(t, result.Excluded, 3)
	reasons := map[string]domain.ExclusionReason{}
	for _, ex := range result.Excluded {
		reasons[ex.ID] = ex.Reason
	}
	assert.Equal(t, map[string]domain.ExclusionReason{
		"6": domain.ReasonBasisOfRecord,
		"7": domain.ReasonIndividualCount,
		"8": domain.ReasonUncertainty,
	}, reasons)

	wantStages := []domain.StageCount{
		{Stage: pipeline.StageFetch, Remaining: 10},
		{Stage: pipeline.StageProject, Remaining: 10},
		{Stage: pipeline.StageGeoFilter, Remaining: 9},
		{Stage: pipeline.StageNormalize, Remaining: 9},
		{Stage: pipeline.StageFlag, Remaining: 6},
		{Stage: pipeline.StageQuality, Remaining: 3},
	}
	if diff := cmp.Diff(wantStages, result.Stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, result.Warnings)
	assert.Equal(t, domain.DefaultFlagTests, result.Tests)
	assert.Equal(t, 9, result.FlagReport.Total)
	assert.Equal(t, 3, result.FlagReport.Flagged)

	_, err = uuid.Parse(result.RunID)
	require.NoError(t, err)

	require.Len(t, ldr.loaded, 1)
	assert.Equal(t, result.RunID, ldr.loaded[0].RunID)
	assert.False(t, ldr.loaded[0].FinishedAt.IsZero(), "loaders see the finished run")
	require.NoError(t, p.CheckReadiness(context.Background()))
	last, ok := p.LastResult()
	require.True(t, ok)
	assert.Equal(t, result.RunID, last.RunID)

	assert.InDelta(t, 3, testutil.ToFloat64(metrics.StageRecords.WithLabelValues(pipeline.StageQuality)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.QualityRejections.WithLabelValues(string(domain.ReasonBasisOfRecord))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.FlagFailures.WithLabelValues(string(domain.TestZeros))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.NormalizationMisses), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.LastRunSuccess), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.PipelineRunning), 0)
}

func TestPipeline_Run_CleanOutputInvariants(t *testing.T) {
	p := newPipeline(&mockSource{records: scenarioRecords()}, pipeline.CleanOptions{}, observability.NewMetricsForTesting())
	result, err := p.Run(context.Background(), domain.Query{Species: "Puma concolor", Limit: 100})
	require.NoError(t, err)

	quality := domain.NewQualityFilter(domain.DefaultQualityOptions())
	seen := map[string]int{}
	for _, rec := range result.Clean {
		seen[rec.ID]++
		assert.True(t, rec.HasCoordinates())
		assert.True(t, rec.Summary)
		for test, pass := range rec.Tests {
			assert.True(t, pass, "record %s failed %s", rec.ID, test)
		}
		_, ok := quality.Check(rec.Occurrence)
		assert.True(t, ok)
	}
	for _, rec := range result.Flagged {
		seen[rec.ID]++
		assert.False(t, rec.Summary)
	}
	for _, rec := range result.Excluded {
		seen[rec.ID]++
		assert.True(t, rec.Summary)
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s appears in more than one table", id)
	}

	again, excluded := quality.Apply(result.Clean)
	assert.Equal(t, result.Clean, again)
	assert.Empty(t, excluded)
}

func TestPipeline_Run_SourceFailure(t *testing.T) {
	src := &mockSource{err: domain.ErrSourceUnavailable}
	ldr := &mockLoader{}
	metrics := observability.NewMetricsForTesting()
	p := newPipeline(src, pipeline.CleanOptions{}, metrics, ldr)

	_, err := p.Run(context.Background(), domain.Query{Species: "Puma concolor", Limit: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Empty(t, ldr.loaded)
	require.Error(t, p.CheckReadiness(context.Background()))
	_, ok := p.LastResult()
	assert.False(t, ok)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.LastRunSuccess), 0)
}

func TestPipeline_Run_SchemaMismatchNamesColumn(t *testing.T) {
	records := []domain.RawRecord{raw("1", "FR", 5.37, 43.30)}
	delete(records[0], domain.ColLatitude)

	p := newPipeline(&mockSource{records: records}, pipeline.CleanOptions{}, observability.NewMetricsForTesting())
	_, err := p.Run(context.Background(), domain.Query{Species: "Puma concolor", Limit: 10})
	require.ErrorIs(t, err, domain.ErrSchemaMismatch)

	var mc *domain.MissingColumnError
	require.True(t, errors.As(err, &mc))
	assert.Equal(t, domain.ColLatitude, mc.Column)
}

func TestPipeline_Run_InvalidQuery(t *testing.T) {
	src := &mockSource{}
	p := newPipeline(src, pipeline.CleanOptions{}, observability.NewMetricsForTesting())

	_, err := p.Run(context.Background(), domain.Query{Species: "  ", Limit: 10})
	require.ErrorIs(t, err, domain.ErrInvalidQuery)
	assert.Empty(t, src.queries, "source is not called")
}

func TestPipeline_Run_EmptyFetchWarns(t *testing.T) {
	ldr := &mockLoader{}
	p := newPipeline(&mockSource{}, pipeline.CleanOptions{}, observability.NewMetricsForTesting(), ldr)

	result, err := p.Run(context.Background(), domain.Query{Species: "Puma concolor", Limit: 10})
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, pipeline.StageFetch, result.Warnings[0].Stage)
	assert.Zero(t, result.Warnings[0].Remaining)
	assert.Len(t, ldr.loaded, 1, "empty runs are still loaded")
}

func TestPipeline_Run_EverythingFlaggedWarns(t *testing.T) {
	records := []domain.RawRecord{raw("1", "FR", 0.0, 0.0), raw("2", "FR", 0.1, 0.1)}
	p := newPipeline(&mockSource{records: records}, pipeline.CleanOptions{}, observability.NewMetricsForTesting())

	result, err := p.Run(context.Background(), domain.Query{Species: "Puma concolor", Limit: 10})
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, pipeline.StageFlag, result.Warnings[0].Stage)
	assert.Contains(t, result.Warnings[0].Message, "flag")
	assert.Len(t, result.Flagged, 2)
}

func TestPipeline_Run_LoaderError(t *testing.T) {
	ldr := &mockLoader{err: errors.New("disk full")}
	p := newPipeline(&mockSource{records: scenarioRecords()}, pipeline.CleanOptions{}, observability.NewMetricsForTesting(), ldr)

	_, err := p.Run(context.Background(), domain.Query{Species: "Puma concolor", Limit: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_InstitutionLookup(t *testing.T) {
	records := []domain.RawRecord{
		with(raw("1", "FR", 2.3561, 48.8441), "institutionCode", "MNHN"),
		with(raw("2", "FR", 5.37, 43.30), "institutionCode", "MNHN"),
	}
	locator := &mockLocator{institutions: map[string]domain.Institution{
		"MNHN": {Code: "MNHN", CountryCode: "FR", Point: domain.Point{Lon: 2.3560, Lat: 48.8440}},
	}}

	flagOpts := domain.DefaultFlagOptions()
	flagOpts.Tests = []domain.FlagTest{domain.TestInstitutions}

	without := newPipeline(&mockSource{records: records}, pipeline.CleanOptions{Flag: flagOpts}, observability.NewMetricsForTesting())
	result, err := without.Run(context.Background(), domain.Query{Species: "Puma concolor", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, result.Flagged)

	withLookup := newPipeline(&mockSource{records: records}, pipeline.CleanOptions{Flag: flagOpts, Institutions: locator}, observability.NewMetricsForTesting())
	result, err = withLookup.Run(context.Background(), domain.Query{Species: "Puma concolor", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, flaggedIDs(result.Flagged))
}

func TestPipeline_Run_FrozenClock(t *testing.T) {
	frozen := time.Date(2024, time.April, 26, 15, 10, 0, 0, time.UTC)
	domain.SetClock(clockwork.NewFakeClockAt(frozen))
	t.Cleanup(func() { domain.SetClock(nil) })

	p := newPipeline(&mockSource{records: scenarioRecords()}, pipeline.CleanOptions{}, observability.NewMetricsForTesting())
	result, err := p.Run(context.Background(), domain.Query{Species: "Puma concolor", Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, frozen, result.StartedAt)
	assert.Equal(t, frozen, result.FinishedAt)
}

func TestPipeline_Run_RejectsOverlappingRun(t *testing.T) {
	src := &gatedSource{
		records: scenarioRecords(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	metrics := observability.NewMetricsForTesting()
	p := newPipeline(src, pipeline.CleanOptions{}, metrics)
	q := domain.Query{Species: "Puma concolor", Limit: 10}

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), q)
		done <- err
	}()
	<-src.entered

	_, err := p.Run(context.Background(), q)
	require.ErrorIs(t, err, domain.ErrRunInProgress)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.PipelineRunning), 0, "rejected run leaves the gauge set")
	_, ok := p.LastResult()
	assert.False(t, ok)

	close(src.release)
	require.NoError(t, <-done)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.PipelineRunning), 0)

	_, err = p.Run(context.Background(), q)
	require.NoError(t, err, "a run is accepted once the previous one finished")
}

func TestPipeline_Run_DropsBlankAndRepeatedIDs(t *testing.T) {
	records := append(scenarioRecords(),
		raw("1", "FR", 5.40, 43.35),
		raw("", "FR", 5.41, 43.36),
	)
	ldr := &mockLoader{}
	p := newPipeline(&mockSource{records: records}, pipeline.CleanOptions{}, observability.NewMetricsForTesting(), ldr)

	result, err := p.Run(context.Background(), domain.Query{Species: "Puma concolor", Limit: 100})
	require.NoError(t, err)

	assert.Equal(t, domain.StageCount{Stage: pipeline.StageFetch, Remaining: 12}, result.Stages[0])
	assert.Equal(t, domain.StageCount{Stage: pipeline.StageProject, Remaining: 10}, result.Stages[1])
	assert.Equal(t, []string{"1", "4", "9"}, flaggedIDs(result.Clean))
	require.NotNil(t, result.Clean[0].IndividualCount, "the first record with an ID is kept")
	assert.Equal(t, 1, *result.Clean[0].IndividualCount)
	require.Len(t, ldr.loaded, 1)
}
