package domain

// FilterGeoreferenced keeps records with both coordinates present and inside
// the WGS-84 range. Order is preserved.
func FilterGeoreferenced(records []Occurrence) []Occurrence {
	out := make([]Occurrence, 0, len(records))
	for _, rec := range records {
		if !rec.HasCoordinates() || !rec.Point().Valid() {
			continue
		}
		out = append(out, rec)
	}
	return out
}
