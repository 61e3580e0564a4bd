package domain

import (
	"context"
	"log/slog"
	"sort"
)

// ResolveInstitutions looks up every distinct institution code in records and
// returns the located institutions as reference points. Lookup failures are
// logged and skipped; only context cancellation is
// returned as an error.
func ResolveInstitutions(ctx context.Context, records []Occurrence, locator InstitutionLocator, logger *slog.Logger) ([]ReferencePoint, error) {
	if locator == nil {
		return nil, nil
	}

	codes := distinctInstitutionCodes(records)
	points := make([]ReferencePoint, 0, len(codes))
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return points, err
		}

		inst, found, err := locator.LocateInstitution(ctx, code)
		if err != nil {
			logger.Warn("institution lookup failed", "institution_code", code, "error", err)
			continue
		}
		if !found {
			continue
		}
		iso3, ok := ISO3(inst.CountryCode)
		if !ok {
			logger.Debug("institution has no usable country", "institution_code", code, "country_code", inst.CountryCode)
			continue
		}
		points = append(points, ReferencePoint{
			Kind:    KindInstitution,
			Country: iso3,
			Name:    inst.Name,
			Code:    inst.Code,
			Point:   inst.Point,
		})
	}
	return points, nil
}

func distinctInstitutionCodes(records []Occurrence) []string {
	set := make(map[string]struct{})
	for _, rec := range records {
		if rec.InstitutionCode != "" {
			set[rec.InstitutionCode] = struct{}{}
		}
	}
	codes := make([]string, 0, len(set))
	for c := range set {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
