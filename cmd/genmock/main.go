// Command genmock replays saved GBIF occurrence search responses through the
// cleaning pipeline and writes the exported tables as test fixtures. The
// clock is frozen so timestamps in the fixtures are reproducible.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -in testdata/puma_concolor_page0.json,testdata/puma_concolor_page1.json \
//	  -species "Puma concolor" \
//	  -out testdata/fixtures
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/occurrence-qc/internal/adapter/export"
	"github.com/couchcryptid/occurrence-qc/internal/config"
	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/observability"
	"github.com/couchcryptid/occurrence-qc/internal/pipeline"
	"github.com/couchcryptid/occurrence-qc/internal/reference"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	in := flag.String("in", "", "comma-separated GBIF search response files (JSON object with results, or a JSON array)")
	species := flag.String("species", "", "species name recorded in the run query")
	out := flag.String("out", "", "output directory for fixtures")
	formats := flag.String("formats", "csv,json,geojson", "comma-separated output formats")
	flag.Parse()

	if *in == "" || *species == "" || *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -in, -species, -out")
	}

	domain.SetClock(clockwork.NewFakeClockAt(
		time.Date(2024, time.April, 27, 6, 0, 0, 0, time.UTC),
	))
	defer domain.SetClock(nil)

	var records []domain.RawRecord
	for _, path := range strings.Split(*in, ",") {
		recs, err := loadResponse(strings.TrimSpace(path))
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		log.Printf("%s: %d records", path, len(recs))
		records = append(records, recs...)
	}
	log.Printf("total: %d records", len(records))

	refs, err := reference.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	metrics := observability.NewMetricsForTesting()
	cleaner := pipeline.NewCleaner(pipeline.CleanOptions{
		Flag:       domain.DefaultFlagOptions(),
		Quality:    domain.DefaultQualityOptions(),
		References: refs,
	}, logger, metrics)

	var outFormats []string
	for _, f := range strings.Split(*formats, ",") {
		switch f = strings.ToLower(strings.TrimSpace(f)); f {
		case config.FormatCSV, config.FormatJSON, config.FormatGeoJSON:
			outFormats = append(outFormats, f)
		default:
			return fmt.Errorf("unknown format %q", f)
		}
	}
	sink := export.NewFileSink(*out, outFormats, logger)

	p := pipeline.New(fileSource(records), cleaner, []pipeline.Loader{sink}, logger, metrics)
	result, err := p.Run(context.Background(), domain.Query{Species: *species, Limit: max(len(records), 1)})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	log.Printf("wrote fixtures: %s", *out)
	printStats(result)
	return nil
}

// fileSource serves records loaded from disk, truncated to the query limit.
type fileSource []domain.RawRecord

func (s fileSource) Fetch(_ context.Context, q domain.Query) ([]domain.RawRecord, error) {
	if q.Limit < len(s) {
		return s[:q.Limit], nil
	}
	return s, nil
}

// loadResponse accepts either a saved /occurrence/search response or a bare
// array of occurrence objects.
func loadResponse(path string) ([]domain.RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var recs []domain.RawRecord
		if err := dec.Decode(&recs); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		return recs, nil
	}

	var page struct {
		Results []domain.RawRecord `json:"results"`
	}
	if err := dec.Decode(&page); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return page.Results, nil
}

func printStats(r domain.Result) {
	log.Println("--- stages ---")
	for _, s := range r.Stages {
		log.Printf("  %-12s %d", s.Stage, s.Remaining)
	}
	log.Println("--- flag failures ---")
	for _, t := range r.Tests {
		log.Printf("  %-12s %d", t, r.FlagReport.Failures[t])
	}
	log.Printf("clean=%d flagged=%d excluded=%d", len(r.Clean), len(r.Flagged), len(r.Excluded))
	for _, w := range r.Warnings {
		log.Printf("warning: %s", w.Message)
	}
}
