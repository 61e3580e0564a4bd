// Package report builds the summary and map artifacts for a finished run.
package report

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/paulmach/orb"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
)

// Summary condenses a run for display and for the /report endpoint.
type Summary struct {
	RunID            string                         `json:"run_id"`
	Species          string                         `json:"species"`
	Stages           []domain.StageCount            `json:"stages"`
	Clean            int                            `json:"clean"`
	Flagged          int                            `json:"flagged"`
	Excluded         int                            `json:"excluded"`
	FlagFailures     map[domain.FlagTest]int        `json:"flag_failures"`
	ExclusionReasons map[domain.ExclusionReason]int `json:"exclusion_reasons"`
	Countries        []CountryCount                 `json:"countries"`
	Years            []YearCount                    `json:"years"`
	BoundingBox      *BBox                          `json:"bounding_box,omitempty"`
	Warnings         []domain.Warning               `json:"warnings,omitempty"`
	StartedAt        time.Time                      `json:"started_at"`
	FinishedAt       time.Time                      `json:"finished_at"`
}

// CountryCount is the number of clean records for one country. An empty
// country means the code could not be normalized.
type CountryCount struct {
	Country string `json:"country"`
	Count   int    `json:"count"`
}

// YearCount is the number of records observed in one year.
type YearCount struct {
	Year  int `json:"year"`
	Count int `json:"count"`
}

// BBox is a WGS-84 bounding box.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// BuildSummary derives the summary for a result. Distributions describe the
// clean table.
func BuildSummary(r domain.Result) Summary {
	s := Summary{
		RunID:            r.RunID,
		Species:          r.Query.Species,
		Stages:           r.Stages,
		Clean:            len(r.Clean),
		Flagged:          len(r.Flagged),
		Excluded:         len(r.Excluded),
		FlagFailures:     r.FlagReport.Failures,
		ExclusionReasons: make(map[domain.ExclusionReason]int),
		Countries:        countryCounts(r.Clean),
		Years:            YearCounts(r.Clean),
		Warnings:         r.Warnings,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
	if s.FlagFailures == nil {
		s.FlagFailures = make(map[domain.FlagTest]int)
	}
	for _, ex := range r.Excluded {
		s.ExclusionReasons[ex.Reason]++
	}
	if box, ok := BoundingBox(r.Clean); ok {
		s.BoundingBox = &box
	}
	return s
}

// YearCounts counts records per observation year in ascending year order.
// Records without a year are skipped.
func YearCounts(records []domain.FlaggedOccurrence) []YearCount {
	counts := make(map[int]int)
	for _, rec := range records {
		if rec.Year != nil {
			counts[*rec.Year]++
		}
	}
	out := make([]YearCount, 0, len(counts))
	for y, n := range counts {
		out = append(out, YearCount{Year: y, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out
}

// BoundingBox returns the extent of the records with coordinates. ok is false
// when no record has coordinates.
func BoundingBox(records []domain.FlaggedOccurrence) (BBox, bool) {
	b, ok := bound(records)
	if !ok {
		return BBox{}, false
	}
	return BBox{MinLon: b.Min.Lon(), MinLat: b.Min.Lat(), MaxLon: b.Max.Lon(), MaxLat: b.Max.Lat()}, true
}

func bound(records []domain.FlaggedOccurrence) (b orb.Bound, ok bool) {
	for _, rec := range records {
		if !rec.HasCoordinates() {
			continue
		}
		p := rec.Point()
		pt := p.Orb()
		if !ok {
			b, ok = pt.Bound(), true
			continue
		}
		b = b.Extend(pt)
	}
	return b, ok
}

func countryCounts(records []domain.FlaggedOccurrence) []CountryCount {
	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.Country]++
	}
	out := make([]CountryCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, CountryCount{Country: c, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Country < out[j].Country
	})
	return out
}

// WriteText renders the summary as aligned plain text.
func WriteText(w io.Writer, s Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "run\t%s\n", s.RunID)
	fmt.Fprintf(tw, "species\t%s\n", s.Species)
	fmt.Fprintln(tw, "\nstage\tremaining")
	for _, st := range s.Stages {
		fmt.Fprintf(tw, "%s\t%d\n", st.Stage, st.Remaining)
	}

	fmt.Fprintln(tw, "\ntest\tfailures")
	for _, test := range sortedKeys(s.FlagFailures) {
		fmt.Fprintf(tw, "%s\t%d\n", test, s.FlagFailures[test])
	}

	fmt.Fprintf(tw, "\nclean\t%d\n", s.Clean)
	fmt.Fprintf(tw, "flagged\t%d\n", s.Flagged)
	fmt.Fprintf(tw, "excluded\t%d\n", s.Excluded)
	for _, reason := range sortedKeys(s.ExclusionReasons) {
		fmt.Fprintf(tw, "  %s\t%d\n", reason, s.ExclusionReasons[reason])
	}
	if s.BoundingBox != nil {
		b := s.BoundingBox
		fmt.Fprintf(tw, "bbox\t%.4f,%.4f,%.4f,%.4f\n", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
	}
	for _, warn := range s.Warnings {
		fmt.Fprintf(tw, "warning\t%s\n", warn.Message)
	}
	return tw.Flush()
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
