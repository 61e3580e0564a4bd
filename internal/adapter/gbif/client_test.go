package gbif

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/occurrence-qc/internal/config"
	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/observability"
)

const (
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
	testSpecies       = "Puma concolor"
)

func testClient(baseURL string) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		baseURL:      baseURL,
		pageSize:     MaxPageSize,
		maxRetries:   3,
		retryBackoff: time.Millisecond,
		clock:        clockwork.NewRealClock(),
		metrics:      observability.NewMetricsForTesting(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func fakeRecords(offset, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		id := offset + i + 1
		out[i] = map[string]any{
			"gbifID":           strconv.Itoa(id),
			"scientificName":   testSpecies + " (Linnaeus, 1771)",
			"decimalLongitude": -105.27,
			"decimalLatitude":  40.01,
			"basisOfRecord":    "HUMAN_OBSERVATION",
		}
	}
	return out
}

// pagedServer serves total records in pages, honoring limit and offset.
func pagedServer(t *testing.T, total int, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		assert.Equal(t, "/occurrence/search", r.URL.Path)
		assert.Equal(t, testSpecies, r.URL.Query().Get("scientificName"))

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		assert.LessOrEqual(t, limit, MaxPageSize)

		n := max(0, min(limit, total-offset))
		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"offset":       offset,
			"limit":        limit,
			"endOfRecords": offset+n >= total,
			"count":        total,
			"results":      fakeRecords(offset, n),
		}))
	}))
}

func TestNewClient_FromConfig(t *testing.T) {
	cfg := &config.Config{
		GBIFBaseURL:      "https://api.gbif.org/v1",
		GBIFTimeout:      7 * time.Second,
		GBIFPageSize:     100,
		GBIFMaxRetries:   2,
		GBIFRetryBackoff: time.Second,
	}
	c := NewClient(cfg, observability.NewMetricsForTesting(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Equal(t, "https://api.gbif.org/v1", c.baseURL)
	assert.Equal(t, 7*time.Second, c.httpClient.Timeout)
	assert.Equal(t, 100, c.pageSize)
	assert.Equal(t, 2, c.maxRetries)
	assert.Equal(t, time.Second, c.retryBackoff)
}

func TestClient_Fetch_PagesUntilLimit(t *testing.T) {
	var requests atomic.Int32
	srv := pagedServer(t, 1000, &requests)
	defer srv.Close()

	c := testClient(srv.URL)
	records, err := c.Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 650})
	require.NoError(t, err)

	assert.Len(t, records, 650)
	assert.Equal(t, int32(3), requests.Load(), "300 + 300 + 50")
	assert.Equal(t, "1", records[0]["gbifID"])
	assert.Equal(t, "650", records[649]["gbifID"])
	assert.InDelta(t, 650, testutil.ToFloat64(c.metrics.RecordsFetched), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(c.metrics.FetchRequests.WithLabelValues("success")), 0)
}

func TestClient_Fetch_StopsAtEndOfRecords(t *testing.T) {
	var requests atomic.Int32
	srv := pagedServer(t, 420, &requests)
	defer srv.Close()

	c := testClient(srv.URL)
	records, err := c.Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 3000})
	require.NoError(t, err)

	assert.Len(t, records, 420, "fewer records than the limit is not an error")
	assert.Equal(t, int32(2), requests.Load())
}

func TestClient_Fetch_EmptyResult(t *testing.T) {
	srv := pagedServer(t, 0, nil)
	defer srv.Close()

	records, err := testClient(srv.URL).Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestClient_Fetch_QueryParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("hasCoordinate"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "0", r.URL.Query().Get("offset"))
		assert.Equal(t, contentTypeJSON, r.Header.Get("Accept"))
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"offset":0,"limit":5,"endOfRecords":true,"count":0,"results":[]}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 5, RequireCoords: true})
	require.NoError(t, err)
}

func TestClient_Fetch_NumbersKeepPrecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"endOfRecords":true,"results":[{"gbifID":4011664232123,"decimalLatitude":40.015}]}`))
	}))
	defer srv.Close()

	records, err := testClient(srv.URL).Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 5})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, json.Number("4011664232123"), records[0]["gbifID"])
}

func TestClient_Fetch_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{status: http.StatusTooManyRequests, want: domain.ErrQuotaExceeded},
		{status: http.StatusBadRequest, want: domain.ErrInvalidQuery},
		{status: http.StatusNotFound, want: domain.ErrInvalidQuery},
		{status: http.StatusInternalServerError, want: domain.ErrSourceUnavailable},
		{status: http.StatusServiceUnavailable, want: domain.ErrSourceUnavailable},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			c := testClient(srv.URL)
			c.maxRetries = 0
			_, err := c.Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 10})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Contains(t, err.Error(), fmt.Sprintf("status %d", tc.status))
		})
	}
}

func TestClient_Fetch_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"results": [`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.maxRetries = 0
	_, err := c.Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 10})
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestClient_Fetch_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := testClient(url)
	c.maxRetries = 0
	_, err := c.Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 10})
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestClient_Fetch_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"endOfRecords":true,"results":[{"gbifID":"1"}]}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	records, err := c.Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(3), calls.Load())
	assert.InDelta(t, 2, testutil.ToFloat64(c.metrics.FetchRequests.WithLabelValues("retry")), 0)
}

func TestClient_Fetch_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.maxRetries = 2
	_, err := c.Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 10})
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.FetchRequests.WithLabelValues("error")), 0)
}

func TestClient_Fetch_DoesNotRetryInvalidQuery(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Fetch(context.Background(), domain.Query{Species: testSpecies, Limit: 10})
	require.ErrorIs(t, err, domain.ErrInvalidQuery)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Fetch_BackoffUsesClock(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"endOfRecords":true,"results":[]}`))
	}))
	defer srv.Close()

	clk := clockwork.NewFakeClock()
	c := testClient(srv.URL)
	c.clock = clk
	c.retryBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, domain.Query{Species: testSpecies, Limit: 10})
		done <- err
	}()

	for range 2 {
		require.NoError(t, clk.BlockUntilContext(ctx, 1))
		clk.Advance(time.Hour)
	}
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Fetch_ContextCanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clk := clockwork.NewFakeClock()
	c := testClient(srv.URL)
	c.clock = clk

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, domain.Query{Species: testSpecies, Limit: 10})
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	require.NoError(t, clk.BlockUntilContext(waitCtx, 1))
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, time.Second, nextBackoff(500*time.Millisecond, maxRetryBackoff))
	assert.Equal(t, maxRetryBackoff, nextBackoff(4*time.Second, maxRetryBackoff))
}
