package domain

import "time"

// RawRecord is one decoded JSON object from the occurrence source. Keys are
// Darwin Core term names exactly as delivered.
type RawRecord map[string]any

// Query describes a single retrieval from the occurrence source.
type Query struct {
	Species       string `json:"species"`
	Limit         int    `json:"limit"`
	RequireCoords bool   `json:"require_coords"`
}

// Occurrence is a projected record carrying only the columns used for cleaning.
type Occurrence struct {
	ID                     string   `json:"gbif_id"`
	TaxonName              string   `json:"species"`
	Longitude              *float64 `json:"decimal_longitude"`
	Latitude               *float64 `json:"decimal_latitude"`
	CountryCode            string   `json:"country_code"`
	Country                string   `json:"country"` // alpha-3, "" when unknown
	IndividualCount        *int     `json:"individual_count"`
	// IndividualCountRaw keeps a present count that is not an integer in
	// int32 range. Such records fail the count predicate.
	IndividualCountRaw     string   `json:"individual_count_raw,omitempty"`
	Family                 string   `json:"family,omitempty"`
	TaxonRank              string   `json:"taxon_rank,omitempty"`
	CoordinateUncertaintyM *float64 `json:"coordinate_uncertainty_m"`
	Year                   *int     `json:"year"`
	BasisOfRecord          string   `json:"basis_of_record"`
	InstitutionCode        string   `json:"institution_code,omitempty"`
	DatasetName            string   `json:"dataset_name,omitempty"`
}

// HasCoordinates reports whether both longitude and latitude are present.
func (o Occurrence) HasCoordinates() bool {
	return o.Longitude != nil && o.Latitude != nil
}

// Point returns the record's coordinates. Callers must check HasCoordinates.
func (o Occurrence) Point() Point {
	return Point{Lon: *o.Longitude, Lat: *o.Latitude}
}

// FlaggedOccurrence is an occurrence annotated with per-test flag results.
// A test value of true means the record passed that test.
type FlaggedOccurrence struct {
	Occurrence
	Tests   map[FlagTest]bool `json:"tests"`
	Summary bool              `json:"summary"`
}

// Exclusion is a record that passed every flag test but was rejected by the
// quality filter.
type Exclusion struct {
	FlaggedOccurrence
	Reason ExclusionReason `json:"reason"`
}

// StageCount records how many records remained after a pipeline stage.
type StageCount struct {
	Stage     string `json:"stage"`
	Remaining int    `json:"remaining"`
}

// Warning is a non-fatal condition surfaced to the caller, such as a stage
// that filtered out every record.
type Warning struct {
	Stage     string `json:"stage"`
	Remaining int    `json:"remaining"`
	Message   string `json:"message"`
}

// Result is the complete output of one pipeline run.
type Result struct {
	RunID      string              `json:"run_id"`
	Query      Query               `json:"query"`
	Clean      []FlaggedOccurrence `json:"clean"`
	Flagged    []FlaggedOccurrence `json:"flagged"`
	Excluded   []Exclusion         `json:"excluded"`
	Tests      []FlagTest          `json:"tests"`
	FlagReport FlagReport          `json:"flag_report"`
	Stages     []StageCount        `json:"stages"`
	Warnings   []Warning           `json:"warnings,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}
