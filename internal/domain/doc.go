// Package domain models GBIF species-occurrence records and the quality-control
// stages applied to them.
//
// # Data Source
//
// Records come from the GBIF occurrence search API
// (https://api.gbif.org/v1/occurrence/search). Each result is a flat JSON
// object using Darwin Core term names. Fields with no value are omitted from
// the object rather than sent as null, so a column can be missing from an
// entire page when no record carries it.
//
// # Darwin Core Conventions
//
// Coordinates:
//
//	decimalLongitude / decimalLatitude in WGS-84 decimal degrees.
//	Longitude in [-180, 180], latitude in [-90, 90]. Values outside that range
//	are unusable and dropped with missing coordinates.
//
// Country:
//
//	countryCode is ISO 3166-1 alpha-2 ("DE", "US"). It is normalized to
//	alpha-3 ("DEU", "USA") before flagging. Codes with no alpha-3 equivalent
//	normalize to the empty string, the unknown-country sentinel. Reference
//	data for country-specific tests is keyed by alpha-3.
//
// Basis of record:
//
//	HUMAN_OBSERVATION, MACHINE_OBSERVATION, PRESERVED_SPECIMEN,
//	FOSSIL_SPECIMEN, LIVING_SPECIMEN, MATERIAL_SAMPLE, MATERIAL_CITATION,
//	OCCURRENCE, OBSERVATION.
//
// Coordinate uncertainty:
//
//	coordinateUncertaintyInMeters, the radius of positional error. Thresholds
//	are configured in kilometres and compared in metres.
//
// # Stages
//
// Every stage takes a slice and returns a new one; records are never mutated
// after projection:
//
//	Project -> FilterGeoreferenced -> NormalizeCountries -> Flagger.Flag -> Partition -> QualityFilter.Apply
//
// # Flag Tests
//
// The flag tests mirror the coordinate tests of the CoordinateCleaner R
// package. Country-specific tests (capitals, centroids, institutions) only
// compare a record against reference points of its own declared country and
// pass when the country is unknown. Distances are great-circle (haversine)
// kilometres, except the zeros buffer which is in degrees.
package domain
