package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FlagTest names a single coordinate validity test.
type FlagTest string

const (
	TestCapitals     FlagTest = "capitals"
	TestCentroids    FlagTest = "centroids"
	TestEqual        FlagTest = "equal"
	TestGBIF         FlagTest = "gbif"
	TestInstitutions FlagTest = "institutions"
	TestZeros        FlagTest = "zeros"
	TestDuplicates   FlagTest = "duplicates"
)

// DefaultFlagTests is the test battery applied when none is configured.
var DefaultFlagTests = []FlagTest{
	TestCapitals,
	TestCentroids,
	TestEqual,
	TestGBIF,
	TestInstitutions,
	TestZeros,
}

var knownFlagTests = map[FlagTest]bool{
	TestCapitals:     true,
	TestCentroids:    true,
	TestEqual:        true,
	TestGBIF:         true,
	TestInstitutions: true,
	TestZeros:        true,
	TestDuplicates:   true,
}

// ParseFlagTests validates test names, dropping blanks and duplicates while
// keeping the given order.
func ParseFlagTests(names []string) ([]FlagTest, error) {
	seen := make(map[FlagTest]bool, len(names))
	out := make([]FlagTest, 0, len(names))
	for _, name := range names {
		t := FlagTest(strings.ToLower(strings.TrimSpace(name)))
		if t == "" || seen[t] {
			continue
		}
		if !knownFlagTests[t] {
			return nil, fmt.Errorf("unknown flag test %q", name)
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no flag tests selected")
	}
	return out, nil
}

// EqualMode selects how the equal test compares coordinates.
type EqualMode string

const (
	// EqualIdentical fails records where longitude == latitude.
	EqualIdentical EqualMode = "identical"
	// EqualAbsolute fails records where |longitude| == |latitude|.
	EqualAbsolute EqualMode = "absolute"
)

// GBIFHeadquarters is the GBIF secretariat in Copenhagen, a known artifact
// location for records geocoded to the publisher instead of the observation.
var GBIFHeadquarters = Point{Lon: 12.58, Lat: 55.68}

// FlagOptions configures the flagger. Radii follow the CoordinateCleaner
// defaults.
//
// ZerosRadiusDeg is a planar buffer around (0,0) in degrees. The default of
// 0.5 (about 55 km at the equator) is a wide buffer, not a floating-point
// epsilon: a point at (0.4, 0) fails the zeros test. Set a tiny value to flag
// exact zeros only.
type FlagOptions struct {
	Tests                []FlagTest
	CapitalsRadiusKm     float64
	CentroidsRadiusKm    float64
	InstitutionsRadiusKm float64
	GBIFRadiusKm         float64
	ZerosRadiusDeg       float64
	EqualMode            EqualMode
}

// DefaultFlagOptions returns the default test battery and radii.
func DefaultFlagOptions() FlagOptions {
	return FlagOptions{
		Tests:                append([]FlagTest(nil), DefaultFlagTests...),
		CapitalsRadiusKm:     10,
		CentroidsRadiusKm:    1,
		InstitutionsRadiusKm: 0.1,
		GBIFRadiusKm:         1,
		ZerosRadiusDeg:       0.5,
		EqualMode:            EqualIdentical,
	}
}

// FlagReport summarizes a flagging pass.
type FlagReport struct {
	Total    int              `json:"total"`
	Flagged  int              `json:"flagged"`
	Failures map[FlagTest]int `json:"failures"`
}

// Flagger runs the selected validity tests against every record.
type Flagger struct {
	opts FlagOptions
	refs *ReferenceSet
}

// NewFlagger creates a Flagger. A nil reference set disables matches for
// the country-specific tests.
func NewFlagger(opts FlagOptions, refs *ReferenceSet) *Flagger {
	if len(opts.Tests) == 0 {
		opts.Tests = append([]FlagTest(nil), DefaultFlagTests...)
	}
	if opts.EqualMode == "" {
		opts.EqualMode = EqualIdentical
	}
	if refs == nil {
		refs = NewReferenceSet(nil)
	}
	return &Flagger{opts: opts, refs: refs}
}

// Tests returns the selected tests in evaluation order.
func (f *Flagger) Tests() []FlagTest {
	return append([]FlagTest(nil), f.opts.Tests...)
}

// Flag evaluates every selected test for every record. Tests never
// short-circuit, so the report counts each failing test independently.
// Records without coordinates fail every test.
func (f *Flagger) Flag(records []Occurrence) ([]FlaggedOccurrence, FlagReport) {
	report := FlagReport{
		Total:    len(records),
		Failures: make(map[FlagTest]int, len(f.opts.Tests)),
	}
	for _, t := range f.opts.Tests {
		report.Failures[t] = 0
	}

	seen := make(map[string]bool)
	out := make([]FlaggedOccurrence, 0, len(records))
	for _, rec := range records {
		tests := make(map[FlagTest]bool, len(f.opts.Tests))
		summary := true
		for _, t := range f.opts.Tests {
			pass := f.evaluate(t, rec, seen)
			tests[t] = pass
			if !pass {
				summary = false
				report.Failures[t]++
			}
		}
		if !summary {
			report.Flagged++
		}
		out = append(out, FlaggedOccurrence{Occurrence: rec, Tests: tests, Summary: summary})
	}
	return out, report
}

func (f *Flagger) evaluate(t FlagTest, rec Occurrence, seen map[string]bool) bool {
	if !rec.HasCoordinates() {
		return false
	}
	p := rec.Point()

	switch t {
	case TestCapitals:
		return !f.nearCountryReference(KindCapital, rec.Country, p, f.opts.CapitalsRadiusKm)
	case TestCentroids:
		return !f.nearCountryReference(KindCentroid, rec.Country, p, f.opts.CentroidsRadiusKm)
	case TestInstitutions:
		return !f.nearCountryReference(KindInstitution, rec.Country, p, f.opts.InstitutionsRadiusKm)
	case TestEqual:
		return !equalCoordinates(p, f.opts.EqualMode)
	case TestZeros:
		return !nearZero(p, f.opts.ZerosRadiusDeg)
	case TestGBIF:
		return DistanceKm(p, GBIFHeadquarters) > f.opts.GBIFRadiusKm
	case TestDuplicates:
		key := duplicateKey(rec.TaxonName, p)
		if seen[key] {
			return false
		}
		seen[key] = true
		return true
	default:
		return true
	}
}

// nearCountryReference is false for unknown countries so metadata gaps
// never cause rejections.
func (f *Flagger) nearCountryReference(kind ReferenceKind, country string, p Point, radiusKm float64) bool {
	if country == "" {
		return false
	}
	return f.refs.Near(kind, country, p, radiusKm)
}

func equalCoordinates(p Point, mode EqualMode) bool {
	if mode == EqualAbsolute {
		return math.Abs(p.Lon) == math.Abs(p.Lat)
	}
	return p.Lon == p.Lat
}

func nearZero(p Point, radiusDeg float64) bool {
	if p.Lon == 0 && p.Lat == 0 {
		return true
	}
	return degreeDistance(p, Point{}) <= radiusDeg
}

func duplicateKey(taxon string, p Point) string {
	return taxon + "|" + strconv.FormatFloat(p.Lon, 'f', -1, 64) + "|" + strconv.FormatFloat(p.Lat, 'f', -1, 64)
}

// Partition splits flagged records by their summary flag, preserving order.
func Partition(records []FlaggedOccurrence) (clean, flagged []FlaggedOccurrence) {
	clean = make([]FlaggedOccurrence, 0, len(records))
	flagged = make([]FlaggedOccurrence, 0)
	for _, rec := range records {
		if rec.Summary {
			clean = append(clean, rec)
			continue
		}
		flagged = append(flagged, rec)
	}
	return clean, flagged
}
