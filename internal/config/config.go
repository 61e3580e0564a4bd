package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/occurrence-qc/internal/domain"
)

// Output formats written per result table.
const (
	FormatCSV     = "csv"
	FormatJSON    = "json"
	FormatGeoJSON = "geojson"
)

// Config holds all run settings, populated from environment variables.
type Config struct {
	// Query.
	Species       string
	FetchLimit    int
	RequireCoords bool

	// GBIF occurrence API.
	GBIFBaseURL      string
	GBIFTimeout      time.Duration
	GBIFPageSize     int
	GBIFMaxRetries   int
	GBIFRetryBackoff time.Duration

	// Quality filter.
	UncertaintyThresholdKm float64
	AcceptedBasis          []string
	CountMin               int
	CountMax               *int

	// Flagger.
	FlagTests            []domain.FlagTest
	CapitalsRadiusKm     float64
	CentroidsRadiusKm    float64
	InstitutionsRadiusKm float64
	GBIFRadiusKm         float64
	ZerosRadiusDeg       float64
	EqualMode            domain.EqualMode
	ReferenceFile        string

	// Institution lookup against the GBIF collections registry.
	InstitutionLookupEnabled bool
	InstitutionCacheSize     int

	// Sinks.
	OutputDir      string
	OutputFormats  []string
	SQLitePath     string
	KafkaEnabled   bool
	KafkaBrokers   []string
	KafkaSinkTopic string

	HTTPAddr        string
	PushgatewayURL  string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	var p parser

	cfg := &Config{
		Species:       strings.TrimSpace(os.Getenv("SPECIES")),
		FetchLimit:    p.positiveInt("FETCH_LIMIT", 3000),
		RequireCoords: p.boolean("REQUIRE_COORDS", true),

		GBIFBaseURL:      strings.TrimRight(envOrDefault("GBIF_BASE_URL", "https://api.gbif.org/v1"), "/"),
		GBIFTimeout:      p.duration("GBIF_TIMEOUT", 30*time.Second),
		GBIFPageSize:     p.positiveInt("GBIF_PAGE_SIZE", 300),
		GBIFMaxRetries:   p.nonNegativeInt("GBIF_MAX_RETRIES", 3),
		GBIFRetryBackoff: p.duration("GBIF_RETRY_BACKOFF", 500*time.Millisecond),

		UncertaintyThresholdKm: p.positiveFloat("UNCERTAINTY_THRESHOLD_KM", 100),
		AcceptedBasis:          parseList(envOrDefault("ACCEPTED_BASIS", domain.BasisHumanObservation)),
		CountMin:               p.integer("COUNT_MIN", 0),
		CountMax:               p.optionalInt("COUNT_MAX"),

		CapitalsRadiusKm:     p.positiveFloat("CAPITALS_RADIUS_KM", 10),
		CentroidsRadiusKm:    p.positiveFloat("CENTROIDS_RADIUS_KM", 1),
		InstitutionsRadiusKm: p.positiveFloat("INSTITUTIONS_RADIUS_KM", 0.1),
		GBIFRadiusKm:         p.positiveFloat("GBIF_RADIUS_KM", 1),
		ZerosRadiusDeg:       p.positiveFloat("ZEROS_RADIUS_DEG", 0.5),
		EqualMode:            domain.EqualMode(strings.ToLower(envOrDefault("EQUAL_MODE", string(domain.EqualIdentical)))),
		ReferenceFile:        os.Getenv("REFERENCE_FILE"),

		InstitutionLookupEnabled: p.boolean("INSTITUTION_LOOKUP_ENABLED", false),
		InstitutionCacheSize:     p.positiveInt("INSTITUTION_CACHE_SIZE", 500),

		OutputDir:      envOrDefault("OUTPUT_DIR", "out"),
		OutputFormats:  parseFormats(envOrDefault("OUTPUT_FORMATS", "csv,json,geojson")),
		SQLitePath:     os.Getenv("SQLITE_PATH"),
		KafkaEnabled:   p.boolean("KAFKA_ENABLED", false),
		KafkaBrokers:   parseList(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSinkTopic: envOrDefault("KAFKA_SINK_TOPIC", "clean-occurrences"),

		HTTPAddr:        os.Getenv("HTTP_ADDR"),
		PushgatewayURL:  os.Getenv("PUSHGATEWAY_URL"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if p.err != nil {
		return nil, p.err
	}

	tests, err := domain.ParseFlagTests(parseList(envOrDefault("FLAG_TESTS", joinTests(domain.DefaultFlagTests))))
	if err != nil {
		return nil, fmt.Errorf("invalid FLAG_TESTS: %w", err)
	}
	cfg.FlagTests = tests

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.GBIFPageSize > 300 {
		return errors.New("GBIF_PAGE_SIZE must be between 1 and 300")
	}
	if len(c.AcceptedBasis) == 0 {
		return errors.New("ACCEPTED_BASIS must list at least one basis of record")
	}
	if c.CountMax != nil && *c.CountMax <= c.CountMin+1 {
		return errors.New("COUNT_MAX must leave room above COUNT_MIN")
	}
	if c.EqualMode != domain.EqualIdentical && c.EqualMode != domain.EqualAbsolute {
		return fmt.Errorf("invalid EQUAL_MODE %q", c.EqualMode)
	}
	for _, f := range c.OutputFormats {
		if f != FormatCSV && f != FormatJSON && f != FormatGeoJSON {
			return fmt.Errorf("invalid OUTPUT_FORMATS entry %q", f)
		}
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if c.KafkaSinkTopic == "" {
			return errors.New("KAFKA_SINK_TOPIC is required when KAFKA_ENABLED is true")
		}
	}
	return nil
}

// Query returns the occurrence query described by the configuration.
func (c *Config) Query() domain.Query {
	return domain.Query{Species: c.Species, Limit: c.FetchLimit, RequireCoords: c.RequireCoords}
}

// FlagOptions returns the flagger settings.
func (c *Config) FlagOptions() domain.FlagOptions {
	return domain.FlagOptions{
		Tests:                c.FlagTests,
		CapitalsRadiusKm:     c.CapitalsRadiusKm,
		CentroidsRadiusKm:    c.CentroidsRadiusKm,
		InstitutionsRadiusKm: c.InstitutionsRadiusKm,
		GBIFRadiusKm:         c.GBIFRadiusKm,
		ZerosRadiusDeg:       c.ZerosRadiusDeg,
		EqualMode:            c.EqualMode,
	}
}

// QualityOptions returns the quality filter thresholds.
func (c *Config) QualityOptions() domain.QualityOptions {
	return domain.QualityOptions{
		UncertaintyThresholdKm: c.UncertaintyThresholdKm,
		AcceptedBasis:          c.AcceptedBasis,
		CountMin:               c.CountMin,
		CountMax:               c.CountMax,
	}
}

// HasFormat reports whether a file format is enabled.
func (c *Config) HasFormat(format string) bool {
	for _, f := range c.OutputFormats {
		if f == format {
			return true
		}
	}
	return false
}

// envOrDefault treats a blank value as unset.
func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(sharedcfg.EnvOrDefault(key, fallback)); v != "" {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseFormats lowercases the list; "none" disables file output.
func parseFormats(s string) []string {
	if strings.EqualFold(strings.TrimSpace(s), "none") {
		return nil
	}
	return parseList(strings.ToLower(s))
}

func joinTests(tests []domain.FlagTest) string {
	names := make([]string, len(tests))
	for i, t := range tests {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}

// parser keeps the first parse error so Load can read every variable in one
// struct literal.
type parser struct {
	err error
}

func (p *parser) fail(key, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %q", key, value)
	}
}

func (p *parser) integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.fail(key, v)
		return fallback
	}
	return n
}

func (p *parser) positiveInt(key string, fallback int) int {
	n := p.integer(key, fallback)
	if n <= 0 {
		p.fail(key, os.Getenv(key))
	}
	return n
}

func (p *parser) nonNegativeInt(key string, fallback int) int {
	n := p.integer(key, fallback)
	if n < 0 {
		p.fail(key, os.Getenv(key))
	}
	return n
}

func (p *parser) optionalInt(key string) *int {
	if os.Getenv(key) == "" {
		return nil
	}
	n := p.integer(key, 0)
	return &n
}

func (p *parser) positiveFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		p.fail(key, v)
		return fallback
	}
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		p.fail(key, v)
		return fallback
	}
	return d
}

func (p *parser) boolean(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		p.fail(key, v)
		return fallback
	}
	return b
}
