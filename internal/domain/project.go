package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Source column names, in projection order.
const (
	ColSpecies               = "species"
	ColScientificName        = "scientificName"
	ColLongitude             = "decimalLongitude"
	ColLatitude              = "decimalLatitude"
	ColCountryCode           = "countryCode"
	ColIndividualCount       = "individualCount"
	ColGBIFID                = "gbifID"
	ColFamily                = "family"
	ColTaxonRank             = "taxonRank"
	ColCoordinateUncertainty = "coordinateUncertaintyInMeters"
	ColYear                  = "year"
	ColBasisOfRecord         = "basisOfRecord"
	ColInstitutionCode       = "institutionCode"
	ColDatasetName           = "datasetName"
)

// ProjectedColumns lists the columns the projector reads, in output order.
var ProjectedColumns = []string{
	ColSpecies,
	ColLongitude,
	ColLatitude,
	ColCountryCode,
	ColIndividualCount,
	ColGBIFID,
	ColFamily,
	ColTaxonRank,
	ColCoordinateUncertainty,
	ColYear,
	ColBasisOfRecord,
	ColInstitutionCode,
	ColDatasetName,
}

// RequiredColumns must appear in the source schema. GBIF omits empty fields,
// so nullable columns such as individualCount may legitimately be absent from
// a whole result set and are not required.
var RequiredColumns = []string{
	ColScientificName,
	ColLongitude,
	ColLatitude,
	ColGBIFID,
	ColBasisOfRecord,
}

// Schema returns the set of columns present in at least one record.
func Schema(records []RawRecord) map[string]struct{} {
	cols := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			cols[k] = struct{}{}
		}
	}
	return cols
}

// Project selects the cleaning columns from raw records. It fails with a
// *MissingColumnError naming the first required column absent from the
// schema. An empty input projects to an empty table without a schema check.
func Project(records []RawRecord) ([]Occurrence, error) {
	if len(records) == 0 {
		return []Occurrence{}, nil
	}

	schema := Schema(records)
	for _, col := range RequiredColumns {
		if _, ok := schema[col]; !ok {
			return nil, &MissingColumnError{Column: col}
		}
	}

	out := make([]Occurrence, 0, len(records))
	for _, rec := range records {
		out = append(out, projectRecord(rec))
	}
	return out, nil
}

// DedupeIDs drops records with a blank ID and every repeat of an ID after
// its first appearance. Order is preserved.
func DedupeIDs(records []Occurrence) (kept []Occurrence, blank, repeated int) {
	kept = make([]Occurrence, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			blank++
			continue
		}
		if _, ok := seen[rec.ID]; ok {
			repeated++
			continue
		}
		seen[rec.ID] = struct{}{}
		kept = append(kept, rec)
	}
	return kept, blank, repeated
}

func projectRecord(rec RawRecord) Occurrence {
	taxon := stringField(rec, ColSpecies)
	if taxon == "" {
		taxon = stringField(rec, ColScientificName)
	}

	count, countRaw := countField(rec, ColIndividualCount)

	return Occurrence{
		ID:                     stringField(rec, ColGBIFID),
		TaxonName:              taxon,
		Longitude:              floatField(rec, ColLongitude),
		Latitude:               floatField(rec, ColLatitude),
		CountryCode:            stringField(rec, ColCountryCode),
		IndividualCount:        count,
		IndividualCountRaw:     countRaw,
		Family:                 stringField(rec, ColFamily),
		TaxonRank:              stringField(rec, ColTaxonRank),
		CoordinateUncertaintyM: floatField(rec, ColCoordinateUncertainty),
		Year:                   intField(rec, ColYear),
		BasisOfRecord:          stringField(rec, ColBasisOfRecord),
		InstitutionCode:        stringField(rec, ColInstitutionCode),
		DatasetName:            stringField(rec, ColDatasetName),
	}
}

// stringField renders a scalar value as a trimmed string. Numbers keep their
// JSON text so numeric IDs survive unchanged.
func stringField(rec RawRecord, key string) string {
	switch v := rec[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// floatField parses a numeric value, returning nil when absent or unparseable.
func floatField(rec RawRecord, key string) *float64 {
	var f float64
	switch v := rec[key].(type) {
	case nil:
		return nil
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ParseIndividualCount parses an exported individual count. raw is the
// trimmed input when it is present but not a usable count.
func ParseIndividualCount(s string) (count *int, raw string) {
	return countField(RawRecord{ColIndividualCount: s}, ColIndividualCount)
}

// countField is intField for counts: a present value that does not parse is
// returned as raw text instead of being dropped.
func countField(rec RawRecord, key string) (*int, string) {
	raw := stringField(rec, key)
	if raw == "" {
		return nil, ""
	}
	if n := intField(rec, key); n != nil {
		return n, ""
	}
	return nil, raw
}

// intField parses an integral value, returning nil when absent, fractional
// or unparseable.
func intField(rec RawRecord, key string) *int {
	f := floatField(rec, key)
	if f == nil || *f != math.Trunc(*f) || math.Abs(*f) > math.MaxInt32 {
		return nil
	}
	n := int(*f)
	return &n
}
