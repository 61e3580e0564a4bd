// Command validate checks the integrity of an exported run: every table is
// readable, the tables are disjoint, clean records pass every flag test and
// quality predicate, and summary.json agrees with the table row counts.
//
// Usage:
//
//	go run ./cmd/validate -dir out
//	go run ./cmd/validate -dir out -uncertainty-km 50 -basis HUMAN_OBSERVATION,PRESERVED_SPECIMEN
//	go run ./cmd/validate -dir out -count-max 99 -capitals-km 5 -equal-mode absolute
//
// The thresholds must match the ones the run used, or clean rows are
// re-checked against the wrong predicates.
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/couchcryptid/occurrence-qc/internal/adapter/export"
	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/reference"
	"github.com/couchcryptid/occurrence-qc/internal/report"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// options are the run thresholds the exported tables are checked against.
type options struct {
	dir           string
	quality       domain.QualityOptions
	flag          domain.FlagOptions
	referenceFile string
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(2)
	}
	if code := run(opts); code != 0 {
		os.Exit(code)
	}
}

func parseOptions(args []string) (options, error) {
	quality := domain.DefaultQualityOptions()
	flagOpts := domain.DefaultFlagOptions()

	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	dir := fs.String("dir", "out", "directory containing clean.csv, flagged.csv, excluded.csv and summary.json")
	uncertaintyKm := fs.Float64("uncertainty-km", quality.UncertaintyThresholdKm, "coordinate uncertainty threshold used for the run")
	basis := fs.String("basis", domain.BasisHumanObservation, "comma-separated accepted basis of record values")
	countMin := fs.Int("count-min", quality.CountMin, "individual counts must exceed this value")
	countMax := fs.Int("count-max", 0, "individual counts must stay below this value (0: no upper bound)")
	capitalsKm := fs.Float64("capitals-km", flagOpts.CapitalsRadiusKm, "capitals test radius in km")
	centroidsKm := fs.Float64("centroids-km", flagOpts.CentroidsRadiusKm, "centroids test radius in km")
	institutionsKm := fs.Float64("institutions-km", flagOpts.InstitutionsRadiusKm, "institutions test radius in km")
	gbifKm := fs.Float64("gbif-km", flagOpts.GBIFRadiusKm, "GBIF headquarters test radius in km")
	zerosDeg := fs.Float64("zeros-deg", flagOpts.ZerosRadiusDeg, "zeros test buffer in degrees")
	equalMode := fs.String("equal-mode", string(flagOpts.EqualMode), "equal test mode: identical or absolute")
	referenceFile := fs.String("reference", "", "reference YAML used for the run (default: embedded set)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	quality.UncertaintyThresholdKm = *uncertaintyKm
	quality.AcceptedBasis = strings.Split(*basis, ",")
	quality.CountMin = *countMin
	if *countMax > 0 {
		quality.CountMax = countMax
	}

	radii := map[string]float64{
		"uncertainty-km":  *uncertaintyKm,
		"capitals-km":     *capitalsKm,
		"centroids-km":    *centroidsKm,
		"institutions-km": *institutionsKm,
		"gbif-km":         *gbifKm,
		"zeros-deg":       *zerosDeg,
	}
	for name, v := range radii {
		if !(v > 0) {
			return options{}, fmt.Errorf("-%s must be a positive number, got %v", name, v)
		}
	}
	flagOpts.CapitalsRadiusKm = *capitalsKm
	flagOpts.CentroidsRadiusKm = *centroidsKm
	flagOpts.InstitutionsRadiusKm = *institutionsKm
	flagOpts.GBIFRadiusKm = *gbifKm
	flagOpts.ZerosRadiusDeg = *zerosDeg

	mode := domain.EqualMode(strings.ToLower(strings.TrimSpace(*equalMode)))
	if mode != domain.EqualIdentical && mode != domain.EqualAbsolute {
		return options{}, fmt.Errorf("invalid -equal-mode %q", *equalMode)
	}
	flagOpts.EqualMode = mode

	return options{dir: *dir, quality: quality, flag: flagOpts, referenceFile: *referenceFile}, nil
}

func run(opts options) int {
	dir := opts.dir
	fmt.Println("=== Occurrence Export Validation ===")
	fmt.Println()

	tables := make(map[string]*table)
	for _, name := range []string{export.TableClean, export.TableFlagged, export.TableExcluded} {
		t, err := loadTable(filepath.Join(dir, name+".csv"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load %s: %v\n", name, err)
			return 1
		}
		tables[name] = t
	}

	var summary report.Summary
	if err := loadJSON(filepath.Join(dir, export.SummaryFile), &summary); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load summary: %v\n", err)
		return 1
	}

	refs, err := reference.LoadFile(opts.referenceFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load reference data: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateDisjoint(tables),
		validateClean(tables[export.TableClean], opts.quality, opts.flag, refs),
		validateFlagged(tables[export.TableFlagged]),
		validateExcluded(tables[export.TableExcluded], opts.quality),
		validateSummary(tables, summary),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Records: %d clean, %d flagged, %d excluded\n",
		len(tables[export.TableClean].rows), len(tables[export.TableFlagged].rows), len(tables[export.TableExcluded].rows))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

// table is a parsed export with rows keyed by header name.
type table struct {
	tests []domain.FlagTest
	rows  []map[string]string
}

func loadTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("missing header in %s", path)
	}

	header := all[0]
	t := &table{}
	for _, h := range header {
		if _, err := domain.ParseFlagTests([]string{h}); err == nil {
			t.tests = append(t.tests, domain.FlagTest(h))
		}
	}
	for _, row := range all[1:] {
		fields := make(map[string]string, len(header))
		for j, h := range header {
			if j < len(row) {
				fields[h] = row[j]
			}
		}
		t.rows = append(t.rows, fields)
	}
	return t, nil
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// occurrence rebuilds the columns the cleaning stages look at.
func occurrence(row map[string]string) domain.Occurrence {
	count, countRaw := domain.ParseIndividualCount(row["individual_count"])
	return domain.Occurrence{
		ID:                     row["gbif_id"],
		TaxonName:              row["species"],
		Longitude:              parseFloat(row["decimal_longitude"]),
		Latitude:               parseFloat(row["decimal_latitude"]),
		CountryCode:            row["country_code"],
		Country:                row["country"],
		IndividualCount:        count,
		IndividualCountRaw:     countRaw,
		CoordinateUncertaintyM: parseFloat(row["coordinate_uncertainty_m"]),
		Year:                   parseInt(row["year"]),
		BasisOfRecord:          row["basis_of_record"],
		InstitutionCode:        row["institution_code"],
	}
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseInt(s string) *int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

// ── Phases ──

func validateDisjoint(tables map[string]*table) *phase {
	p := &phase{name: "Tables are disjoint"}
	seen := make(map[string]string)
	for _, name := range []string{export.TableClean, export.TableFlagged, export.TableExcluded} {
		for _, row := range tables[name].rows {
			id := row["gbif_id"]
			if prev, ok := seen[id]; ok {
				p.errorf("gbif_id %s in both %s and %s", id, prev, name)
				continue
			}
			seen[id] = name
		}
	}
	return p
}

func validateClean(t *table, quality domain.QualityOptions, flagOpts domain.FlagOptions, refs *domain.ReferenceSet) *phase {
	p := &phase{name: "Clean records pass every check"}
	q := domain.NewQualityFilter(quality)

	flagOpts.Tests = t.tests
	// Institution points resolved at run time are not in refs, so a clean
	// record can only pass more tests here, never fewer.
	flagger := domain.NewFlagger(flagOpts, refs)

	for i, row := range t.rows {
		rec := occurrence(row)
		if !rec.HasCoordinates() {
			p.errorf("row %d (%s): missing coordinates", i+2, rec.ID)
		}
		if row["summary"] != "true" {
			p.errorf("row %d (%s): summary = %q", i+2, rec.ID, row["summary"])
		}
		for _, test := range t.tests {
			if row[string(test)] != "true" {
				p.errorf("row %d (%s): %s = %q", i+2, rec.ID, test, row[string(test)])
			}
		}
		if row["reason"] != "" {
			p.errorf("row %d (%s): unexpected reason %q", i+2, rec.ID, row["reason"])
		}
		if reason, ok := q.Check(rec); !ok {
			p.errorf("row %d (%s): fails quality filter (%s)", i+2, rec.ID, reason)
		}
		if rec.HasCoordinates() {
			out, _ := flagger.Flag([]domain.Occurrence{rec})
			if !out[0].Summary {
				p.errorf("row %d (%s): re-flagging fails %v", i+2, rec.ID, failed(out[0]))
			}
		}
	}
	return p
}

func validateFlagged(t *table) *phase {
	p := &phase{name: "Flagged records fail at least one test"}
	for i, row := range t.rows {
		if row["summary"] != "false" {
			p.errorf("row %d (%s): summary = %q", i+2, row["gbif_id"], row["summary"])
		}
		anyFailed := false
		for _, test := range t.tests {
			anyFailed = anyFailed || row[string(test)] == "false"
		}
		if !anyFailed {
			p.errorf("row %d (%s): no failed test", i+2, row["gbif_id"])
		}
	}
	return p
}

func validateExcluded(t *table, opts domain.QualityOptions) *phase {
	p := &phase{name: "Excluded records carry their reason"}
	q := domain.NewQualityFilter(opts)
	for i, row := range t.rows {
		rec := occurrence(row)
		if row["summary"] != "true" {
			p.errorf("row %d (%s): excluded record was flagged", i+2, rec.ID)
		}
		reason, ok := q.Check(rec)
		if ok {
			p.errorf("row %d (%s): passes the quality filter", i+2, rec.ID)
			continue
		}
		if string(reason) != row["reason"] {
			p.errorf("row %d (%s): reason = %q, want %q", i+2, rec.ID, row["reason"], reason)
		}
	}
	return p
}

func validateSummary(tables map[string]*table, s report.Summary) *phase {
	p := &phase{name: "Summary matches tables"}
	check := func(name string, want int) {
		if got := len(tables[name].rows); got != want {
			p.errorf("%s: summary says %d, table has %d", name, want, got)
		}
	}
	check(export.TableClean, s.Clean)
	check(export.TableFlagged, s.Flagged)
	check(export.TableExcluded, s.Excluded)

	for i := 1; i < len(s.Stages); i++ {
		if s.Stages[i].Remaining > s.Stages[i-1].Remaining {
			p.errorf("stage %s grew from %d to %d", s.Stages[i].Stage, s.Stages[i-1].Remaining, s.Stages[i].Remaining)
		}
	}
	return p
}

func failed(rec domain.FlaggedOccurrence) []domain.FlagTest {
	var out []domain.FlagTest
	for test, pass := range rec.Tests {
		if !pass {
			out = append(out, test)
		}
	}
	return out
}
