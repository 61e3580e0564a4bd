// Package export writes result tables to files and to SQLite.
package export

import (
	"strconv"
	"strings"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
)

// Table names shared by every export format.
const (
	TableClean    = "clean"
	TableFlagged  = "flagged"
	TableExcluded = "excluded"
)

// Base columns of every exported table. Per-test columns, "summary" and
// "reason" follow.
var baseColumns = []string{
	"gbif_id",
	"species",
	"decimal_longitude",
	"decimal_latitude",
	"country_code",
	"country",
	"individual_count",
	"family",
	"taxon_rank",
	"coordinate_uncertainty_m",
	"year",
	"basis_of_record",
	"institution_code",
	"dataset_name",
}

type row struct {
	rec    domain.FlaggedOccurrence
	reason domain.ExclusionReason
}

type table struct {
	name string
	rows []row
}

func tables(r domain.Result) []table {
	clean := table{name: TableClean, rows: make([]row, 0, len(r.Clean))}
	for _, rec := range r.Clean {
		clean.rows = append(clean.rows, row{rec: rec})
	}
	flagged := table{name: TableFlagged, rows: make([]row, 0, len(r.Flagged))}
	for _, rec := range r.Flagged {
		flagged.rows = append(flagged.rows, row{rec: rec})
	}
	excluded := table{name: TableExcluded, rows: make([]row, 0, len(r.Excluded))}
	for _, ex := range r.Excluded {
		excluded.rows = append(excluded.rows, row{rec: ex.FlaggedOccurrence, reason: ex.Reason})
	}
	return []table{clean, flagged, excluded}
}

// Header returns the column names for a table exported with the given tests.
func Header(tests []domain.FlagTest) []string {
	cols := append([]string(nil), baseColumns...)
	for _, t := range tests {
		cols = append(cols, string(t))
	}
	return append(cols, "summary", "reason")
}

func (r row) values(tests []domain.FlagTest) []string {
	o := r.rec.Occurrence
	vals := []string{
		o.ID,
		o.TaxonName,
		formatFloat(o.Longitude),
		formatFloat(o.Latitude),
		o.CountryCode,
		o.Country,
		formatCount(o),
		o.Family,
		o.TaxonRank,
		formatFloat(o.CoordinateUncertaintyM),
		formatInt(o.Year),
		o.BasisOfRecord,
		o.InstitutionCode,
		o.DatasetName,
	}
	for _, t := range tests {
		vals = append(vals, strconv.FormatBool(r.rec.Tests[t]))
	}
	return append(vals, strconv.FormatBool(r.rec.Summary), string(r.reason))
}

func (r row) failedTests(tests []domain.FlagTest) string {
	var failed []string
	for _, t := range tests {
		if !r.rec.Tests[t] {
			failed = append(failed, string(t))
		}
	}
	return strings.Join(failed, ",")
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatCount(o domain.Occurrence) string {
	if o.IndividualCountRaw != "" {
		return o.IndividualCountRaw
	}
	return formatInt(o.IndividualCount)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
