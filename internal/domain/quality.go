package domain

import "strings"

// ExclusionReason names the quality predicate that rejected a record.
type ExclusionReason string

const (
	ReasonUncertainty     ExclusionReason = "coordinate_uncertainty"
	ReasonBasisOfRecord   ExclusionReason = "basis_of_record"
	ReasonIndividualCount ExclusionReason = "individual_count"
)

// BasisHumanObservation is the default accepted basis of record.
const BasisHumanObservation = "HUMAN_OBSERVATION"

// QualityOptions holds the metadata thresholds. The defaults are policy
// choices, not ecological constants.
type QualityOptions struct {
	// UncertaintyThresholdKm is the largest accepted coordinate uncertainty.
	UncertaintyThresholdKm float64
	// AcceptedBasis lists accepted basis-of-record values (case-insensitive).
	AcceptedBasis []string
	// CountMin is the exclusive lower bound for individual counts. Counts
	// that are present but not integers always fail.
	CountMin int
	// CountMax is the exclusive upper bound; nil disables it.
	CountMax *int
}

// DefaultQualityOptions returns the default thresholds: 100 km uncertainty,
// human observations only, counts above zero with no upper bound.
func DefaultQualityOptions() QualityOptions {
	return QualityOptions{
		UncertaintyThresholdKm: 100,
		AcceptedBasis:          []string{BasisHumanObservation},
		CountMin:               0,
	}
}

// QualityFilter applies the metadata predicates to flag-clean records.
type QualityFilter struct {
	opts     QualityOptions
	accepted map[string]bool
}

// NewQualityFilter creates a QualityFilter.
func NewQualityFilter(opts QualityOptions) *QualityFilter {
	accepted := make(map[string]bool, len(opts.AcceptedBasis))
	for _, b := range opts.AcceptedBasis {
		accepted[strings.ToUpper(strings.TrimSpace(b))] = true
	}
	return &QualityFilter{opts: opts, accepted: accepted}
}

// Apply keeps records passing all three predicates and returns the rest with
// the first failing reason. Predicates are checked in order: uncertainty,
// basis of record, individual count. Applying the filter to its own output
// returns the same records.
func (q *QualityFilter) Apply(records []FlaggedOccurrence) (kept []FlaggedOccurrence, excluded []Exclusion) {
	kept = make([]FlaggedOccurrence, 0, len(records))
	excluded = make([]Exclusion, 0)
	for _, rec := range records {
		if reason, ok := q.Check(rec.Occurrence); !ok {
			excluded = append(excluded, Exclusion{FlaggedOccurrence: rec, Reason: reason})
			continue
		}
		kept = append(kept, rec)
	}
	return kept, excluded
}

// Check evaluates the predicates for a single record.
func (q *QualityFilter) Check(rec Occurrence) (ExclusionReason, bool) {
	if !q.uncertaintyOK(rec.CoordinateUncertaintyM) {
		return ReasonUncertainty, false
	}
	if !q.accepted[strings.ToUpper(rec.BasisOfRecord)] {
		return ReasonBasisOfRecord, false
	}
	if rec.IndividualCountRaw != "" || !q.countOK(rec.IndividualCount) {
		return ReasonIndividualCount, false
	}
	return "", true
}

func (q *QualityFilter) uncertaintyOK(meters *float64) bool {
	if meters == nil {
		return true
	}
	return *meters/1000 <= q.opts.UncertaintyThresholdKm
}

func (q *QualityFilter) countOK(count *int) bool {
	if count == nil {
		return true
	}
	if *count <= q.opts.CountMin {
		return false
	}
	if q.opts.CountMax != nil && *count >= *q.opts.CountMax {
		return false
	}
	return true
}
