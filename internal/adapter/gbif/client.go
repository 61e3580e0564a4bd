// Package gbif implements the occurrence source and institution locator
// against the GBIF REST API.
package gbif

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/occurrence-qc/internal/config"
	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/observability"
)

// MaxPageSize is the largest page the occurrence search endpoint serves.
const MaxPageSize = 300

const maxRetryBackoff = 5 * time.Second

// Client implements domain.OccurrenceSource and domain.InstitutionLocator
// using the GBIF API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	pageSize     int
	maxRetries   int
	retryBackoff time.Duration
	clock        clockwork.Clock
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewClient creates a GBIF API client.
func NewClient(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.GBIFTimeout,
		},
		baseURL:      cfg.GBIFBaseURL,
		pageSize:     cfg.GBIFPageSize,
		maxRetries:   cfg.GBIFMaxRetries,
		retryBackoff: cfg.GBIFRetryBackoff,
		clock:        clockwork.NewRealClock(),
		metrics:      metrics,
		logger:       logger,
	}
}

// Fetch pages through the occurrence search until q.Limit records are
// collected, the source reports the end of records, or the API's paging
// ceiling is reached. Each page is retried on transient failures.
func (c *Client) Fetch(ctx context.Context, q domain.Query) ([]domain.RawRecord, error) {
	pageSize := c.pageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	records := make([]domain.RawRecord, 0, min(q.Limit, 4*MaxPageSize))
	offset := 0
	for len(records) < q.Limit {
		limit := min(pageSize, q.Limit-len(records), domain.MaxSourceRecords-offset)
		if limit <= 0 {
			break
		}

		page, err := c.fetchPage(ctx, q, offset, limit)
		if err != nil {
			return nil, err
		}
		c.metrics.RecordsFetched.Add(float64(len(page.Results)))
		c.logger.Debug("occurrence page fetched",
			"offset", offset, "records", len(page.Results), "count", page.Count, "end_of_records", page.EndOfRecords)

		records = append(records, page.Results...)
		offset += len(page.Results)
		if page.EndOfRecords || len(page.Results) == 0 {
			break
		}
	}
	if len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

// fetchPage retries transient failures with exponential backoff.
func (c *Client) fetchPage(ctx context.Context, q domain.Query, offset, limit int) (searchPage, error) {
	backoff := c.retryBackoff
	for attempt := 0; ; attempt++ {
		start := c.clock.Now()
		page, err := c.search(ctx, q, offset, limit)
		c.metrics.FetchDuration.Observe(c.clock.Since(start).Seconds())
		if err == nil {
			c.metrics.FetchRequests.WithLabelValues("success").Inc()
			return page, nil
		}

		if !domain.IsTransient(err) || attempt >= c.maxRetries {
			c.metrics.FetchRequests.WithLabelValues("error").Inc()
			return searchPage{}, err
		}

		c.metrics.FetchRequests.WithLabelValues("retry").Inc()
		c.logger.Warn("occurrence search failed, retrying",
			"error", err, "offset", offset, "attempt", attempt+1, "backoff", backoff)
		if !sleepWithContext(ctx, c.clock, backoff) {
			return searchPage{}, ctx.Err()
		}
		backoff = nextBackoff(backoff, maxRetryBackoff)
	}
}

func (c *Client) search(ctx context.Context, q domain.Query, offset, limit int) (searchPage, error) {
	params := url.Values{
		"scientificName": {q.Species},
		"limit":          {strconv.Itoa(limit)},
		"offset":         {strconv.Itoa(offset)},
	}
	if q.RequireCoords {
		params.Set("hasCoordinate", "true")
	}

	var page searchPage
	if err := c.getJSON(ctx, c.baseURL+"/occurrence/search?"+params.Encode(), &page); err != nil {
		return searchPage{}, err
	}
	return page, nil
}

// getJSON performs a GET and decodes the body, mapping failures onto the
// domain error categories. Numbers decode as json.Number so identifiers
// keep their exact digits.
func (c *Client) getJSON(ctx context.Context, fullURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrSourceUnavailable, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", domain.ErrQuotaExceeded, resp.StatusCode, body)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d: %s", domain.ErrInvalidQuery, resp.StatusCode, body)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrSourceUnavailable, resp.StatusCode, body)
	}
}

// GBIF API response types.

type searchPage struct {
	Offset       int                `json:"offset"`
	Limit        int                `json:"limit"`
	EndOfRecords bool               `json:"endOfRecords"`
	Count        int                `json:"count"`
	Results      []domain.RawRecord `json:"results"`
}
