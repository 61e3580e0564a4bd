package domain

// ReferenceKind classifies a reference point used by the country-specific
// flag tests.
type ReferenceKind string

const (
	KindCapital     ReferenceKind = "capital"
	KindCentroid    ReferenceKind = "centroid"
	KindInstitution ReferenceKind = "institution"
)

// ReferencePoint is a known location associated with a country. Country is
// ISO 3166-1 alpha-3.
type ReferencePoint struct {
	Kind    ReferenceKind `json:"kind" yaml:"kind"`
	Country string        `json:"country" yaml:"country"`
	Name    string        `json:"name" yaml:"name"`
	Code    string        `json:"code,omitempty" yaml:"code,omitempty"`
	Point   `yaml:",inline"`
}

// ReferenceSet indexes reference points by kind and country. It is immutable;
// With returns an extended copy.
type ReferenceSet struct {
	points []ReferencePoint
	index  map[ReferenceKind]map[string][]Point
}

// NewReferenceSet builds an index over the given points. Points with an
// empty country or invalid coordinates are ignored.
func NewReferenceSet(points []ReferencePoint) *ReferenceSet {
	rs := &ReferenceSet{
		points: make([]ReferencePoint, 0, len(points)),
		index:  make(map[ReferenceKind]map[string][]Point),
	}
	for _, p := range points {
		if p.Country == "" || !p.Point.Valid() {
			continue
		}
		rs.points = append(rs.points, p)
		byCountry, ok := rs.index[p.Kind]
		if !ok {
			byCountry = make(map[string][]Point)
			rs.index[p.Kind] = byCountry
		}
		byCountry[p.Country] = append(byCountry[p.Country], p.Point)
	}
	return rs
}

// With returns a new set containing the receiver's points plus extra.
func (rs *ReferenceSet) With(extra ...ReferencePoint) *ReferenceSet {
	all := make([]ReferencePoint, 0, len(rs.points)+len(extra))
	all = append(all, rs.points...)
	all = append(all, extra...)
	return NewReferenceSet(all)
}

// Points returns a copy of every indexed point.
func (rs *ReferenceSet) Points() []ReferencePoint {
	out := make([]ReferencePoint, len(rs.points))
	copy(out, rs.points)
	return out
}

// Count returns the number of points of a kind.
func (rs *ReferenceSet) Count(kind ReferenceKind) int {
	n := 0
	for _, pts := range rs.index[kind] {
		n += len(pts)
	}
	return n
}

// Near reports whether p lies within radiusKm of any reference point of the
// given kind in country.
func (rs *ReferenceSet) Near(kind ReferenceKind, country string, p Point, radiusKm float64) bool {
	for _, ref := range rs.index[kind][country] {
		if DistanceKm(p, ref) <= radiusKm {
			return true
		}
	}
	return false
}
