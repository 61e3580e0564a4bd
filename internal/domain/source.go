package domain

import "context"

// OccurrenceSource retrieves raw occurrence records.
type OccurrenceSource interface {
	// Fetch returns up to q.Limit raw records for q.Species.
	Fetch(ctx context.Context, q Query) ([]RawRecord, error)
}

// Institution is a collection-holding institution with a known location.
type Institution struct {
	Code        string
	Name        string
	CountryCode string // alpha-2
	Point
}

// InstitutionLocator resolves institution codes to locations.
type InstitutionLocator interface {
	// LocateInstitution returns the institution for a code. found is false
	// when the registry has no located institution with that code.
	LocateInstitution(ctx context.Context, code string) (inst Institution, found bool, err error)
}
