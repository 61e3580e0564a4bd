package domain

import (
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// MaxSourceRecords is the deepest offset+limit the GBIF search API serves.
const MaxSourceRecords = 100000

// NormalizeQuery tidies a query for the source: the species name is NFC
// normalized, inner whitespace collapsed and the genus capitalized
// ("puma  concolor" -> "Puma concolor").
// The limit is clamped to MaxSourceRecords.
func NormalizeQuery(q Query) (Query, error) {
	words := strings.Fields(norm.NFC.String(q.Species))
	if len(words) == 0 {
		return Query{}, errors.New("species name is required")
	}
	if q.Limit <= 0 {
		return Query{}, errors.New("limit must be positive")
	}

	words[0] = cases.Title(language.Und).String(words[0])
	q.Species = strings.Join(words, " ")

	if q.Limit > MaxSourceRecords {
		q.Limit = MaxSourceRecords
	}
	return q, nil
}
