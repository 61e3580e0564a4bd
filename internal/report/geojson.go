package report

import (
	"github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb/geojson"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
)

// GeohashPrecision is about 150 m cells, enough to bucket points on a tile map.
const GeohashPrecision = 7

// GeoJSON converts records to a FeatureCollection. Records without
// coordinates are skipped.
func GeoJSON(records []domain.FlaggedOccurrence) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, rec := range records {
		if f, ok := feature(rec, ""); ok {
			fc.Append(f)
		}
	}
	fc.BBox = bboxOf(records)
	return fc
}

// ExcludedGeoJSON is GeoJSON for quality-filter rejects, with the reason as
// a property.
func ExcludedGeoJSON(records []domain.Exclusion) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	flagged := make([]domain.FlaggedOccurrence, 0, len(records))
	for _, ex := range records {
		if f, ok := feature(ex.FlaggedOccurrence, ex.Reason); ok {
			fc.Append(f)
		}
		flagged = append(flagged, ex.FlaggedOccurrence)
	}
	fc.BBox = bboxOf(flagged)
	return fc
}

func feature(rec domain.FlaggedOccurrence, reason domain.ExclusionReason) (*geojson.Feature, bool) {
	if !rec.HasCoordinates() {
		return nil, false
	}
	p := rec.Point()

	f := geojson.NewFeature(p.Orb())
	f.ID = rec.ID
	f.Properties["gbif_id"] = rec.ID
	f.Properties["species"] = rec.TaxonName
	f.Properties["country"] = rec.Country
	f.Properties["basis_of_record"] = rec.BasisOfRecord
	f.Properties["summary"] = rec.Summary
	f.Properties["geohash"] = geohash.EncodeWithPrecision(p.Lat, p.Lon, GeohashPrecision)
	if rec.Year != nil {
		f.Properties["year"] = *rec.Year
	}
	if rec.IndividualCount != nil {
		f.Properties["individual_count"] = *rec.IndividualCount
	}
	if rec.CoordinateUncertaintyM != nil {
		f.Properties["coordinate_uncertainty_m"] = *rec.CoordinateUncertaintyM
	}
	if failed := failedTests(rec); len(failed) > 0 {
		f.Properties["failed_tests"] = failed
	}
	if reason != "" {
		f.Properties["reason"] = string(reason)
	}
	return f, true
}

func failedTests(rec domain.FlaggedOccurrence) []string {
	var out []string
	for _, test := range sortedKeys(rec.Tests) {
		if !rec.Tests[test] {
			out = append(out, string(test))
		}
	}
	return out
}

func bboxOf(records []domain.FlaggedOccurrence) geojson.BBox {
	b, ok := bound(records)
	if !ok {
		return nil
	}
	return geojson.NewBBox(b)
}
