// Package reference loads the capitals, country centroids and institution
// locations used by the country-specific flag tests.
package reference

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
)

//go:embed data/reference.yaml
var embedded []byte

var alpha3 = regexp.MustCompile(`^[A-Z]{3}$`)

type document struct {
	Capitals     []domain.ReferencePoint `yaml:"capitals"`
	Centroids    []domain.ReferencePoint `yaml:"centroids"`
	Institutions []domain.ReferencePoint `yaml:"institutions"`
}

// Load returns the reference set compiled into the binary.
func Load() (*domain.ReferenceSet, error) {
	return Parse(embedded)
}

// LoadFile reads a reference document from disk. An empty path returns the
// embedded set.
func LoadFile(path string) (*domain.ReferenceSet, error) {
	if path == "" {
		return Load()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference file: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes a YAML reference document. Every entry must carry an alpha-3
// country code and an in-range coordinate.
func Parse(data []byte) (*domain.ReferenceSet, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode reference data: %w", err)
	}

	sections := []struct {
		kind   domain.ReferenceKind
		points []domain.ReferencePoint
	}{
		{domain.KindCapital, doc.Capitals},
		{domain.KindCentroid, doc.Centroids},
		{domain.KindInstitution, doc.Institutions},
	}

	var all []domain.ReferencePoint
	for _, s := range sections {
		for i, p := range s.points {
			if !alpha3.MatchString(p.Country) {
				return nil, fmt.Errorf("%s %d: invalid country code %q", s.kind, i, p.Country)
			}
			if !p.Point.Valid() {
				return nil, fmt.Errorf("%s %d (%s): coordinate out of range", s.kind, i, p.Country)
			}
			p.Kind = s.kind
			all = append(all, p)
		}
	}
	return domain.NewReferenceSet(all), nil
}
