package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/paulmach/orb/geojson"

	"github.com/couchcryptid/occurrence-qc/internal/config"
	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/report"
)

// SummaryFile is written for every run regardless of the selected formats.
const SummaryFile = "summary.json"

// FileSink writes each result table as CSV, JSON and GeoJSON files into a
// directory. It implements pipeline.Loader.
type FileSink struct {
	dir     string
	formats []string
	logger  *slog.Logger
}

// NewFileSink creates a FileSink for the configured output directory and formats.
func NewFileSink(dir string, formats []string, logger *slog.Logger) *FileSink {
	return &FileSink{dir: dir, formats: formats, logger: logger}
}

// Load writes the result tables and the run summary.
func (s *FileSink) Load(_ context.Context, result domain.Result) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	written := 0
	for _, t := range tables(result) {
		for _, format := range s.formats {
			var err error
			switch format {
			case config.FormatCSV:
				err = s.writeCSV(t, result.Tests)
			case config.FormatJSON:
				err = s.writeJSONFile(t.name+".json", tableRecords(t))
			case config.FormatGeoJSON:
				err = s.writeJSONFile(t.name+".geojson", tableGeoJSON(t))
			default:
				err = fmt.Errorf("unknown format %q", format)
			}
			if err != nil {
				return fmt.Errorf("export %s %s: %w", t.name, format, err)
			}
			written++
		}
	}

	if err := s.writeJSONFile(SummaryFile, report.BuildSummary(result)); err != nil {
		return fmt.Errorf("export summary: %w", err)
	}
	s.logger.Info("tables exported", "dir", s.dir, "files", written+1)
	return nil
}

func (s *FileSink) writeCSV(t table, tests []domain.FlagTest) (err error) {
	f, err := os.Create(filepath.Join(s.dir, t.name+".csv"))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(Header(tests)); err != nil {
		return err
	}
	for _, r := range t.rows {
		if err := w.Write(r.values(tests)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (s *FileSink) writeJSONFile(name string, v any) (err error) {
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tableRecords(t table) any {
	if t.name == TableExcluded {
		out := make([]domain.Exclusion, len(t.rows))
		for i, r := range t.rows {
			out[i] = domain.Exclusion{FlaggedOccurrence: r.rec, Reason: r.reason}
		}
		return out
	}
	out := make([]domain.FlaggedOccurrence, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.rec
	}
	return out
}

func tableGeoJSON(t table) *geojson.FeatureCollection {
	if t.name == TableExcluded {
		return report.ExcludedGeoJSON(tableRecords(t).([]domain.Exclusion))
	}
	return report.GeoJSON(tableRecords(t).([]domain.FlaggedOccurrence))
}
