package gbif

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
)

// LocateInstitution looks up an institution code in the GBIF registry of
// scientific collections (GRSciColl). Codes are not unique across the
// registry; the first exact-code match with coordinates wins.
func (c *Client) LocateInstitution(ctx context.Context, code string) (domain.Institution, bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Institution{}, false, nil
	}

	params := url.Values{
		"code":  {code},
		"limit": {"10"},
	}
	var page institutionPage
	if err := c.getJSON(ctx, c.baseURL+"/grscicoll/institution?"+params.Encode(), &page); err != nil {
		c.metrics.InstitutionRequests.WithLabelValues("error").Inc()
		return domain.Institution{}, false, err
	}

	for _, r := range page.Results {
		if !strings.EqualFold(r.Code, code) {
			continue
		}
		inst, ok := r.toDomain()
		if !ok {
			continue
		}
		c.metrics.InstitutionRequests.WithLabelValues("found").Inc()
		return inst, true, nil
	}

	c.metrics.InstitutionRequests.WithLabelValues("not_found").Inc()
	return domain.Institution{}, false, nil
}

type institutionPage struct {
	Count   int                 `json:"count"`
	Results []institutionResult `json:"results"`
}

type institutionResult struct {
	Key            string       `json:"key"`
	Code           string       `json:"code"`
	Name           string       `json:"name"`
	Latitude       *json.Number `json:"latitude"`
	Longitude      *json.Number `json:"longitude"`
	Address        *address     `json:"address"`
	MailingAddress *address     `json:"mailingAddress"`
}

type address struct {
	Country string `json:"country"` // alpha-2
}

func (r institutionResult) toDomain() (domain.Institution, bool) {
	if r.Latitude == nil || r.Longitude == nil {
		return domain.Institution{}, false
	}
	lat, err := r.Latitude.Float64()
	if err != nil {
		return domain.Institution{}, false
	}
	lon, err := r.Longitude.Float64()
	if err != nil {
		return domain.Institution{}, false
	}
	p := domain.Point{Lon: lon, Lat: lat}
	if !p.Valid() {
		return domain.Institution{}, false
	}

	country := ""
	switch {
	case r.Address != nil && r.Address.Country != "":
		country = r.Address.Country
	case r.MailingAddress != nil:
		country = r.MailingAddress.Country
	}
	return domain.Institution{Code: r.Code, Name: r.Name, CountryCode: country, Point: p}, true
}
