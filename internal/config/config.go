// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Auth        AuthConfig              `mapstructure:"auth"`
	Logging     LoggingConfig           `mapstructure:"logging"`
	Pipeline    PipelineConfig          `mapstructure:"pipeline"`
	Fetch       FetchConfig             `mapstructure:"fetch"`
	Headless    HeadlessConfig          `mapstructure:"headless"`
	Validation  ValidationConfig        `mapstructure:"validation"`
	Standardize StandardizeConfig       `mapstructure:"standardize"`
	Store       StoreConfig             `mapstructure:"store"`
	Archive     ArchiveConfig           `mapstructure:"archive"`
	PubSub      PubSubConfig            `mapstructure:"pubsub"`
	Sources     map[string]SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PipelineConfig governs orchestration of a run.
type PipelineConfig struct {
	Concurrency        int     `mapstructure:"concurrency"`
	RunTimeoutSeconds  int     `mapstructure:"run_timeout_seconds"`
	PartialRejectRatio float64 `mapstructure:"partial_reject_ratio"`
}

// FetchConfig holds executor-wide fetch settings.
type FetchConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBackoffMs   int     `mapstructure:"max_backoff_ms"`
	HostRPS        float64 `mapstructure:"host_rps"`
	HostBurst      int     `mapstructure:"host_burst"`
}

// HeadlessConfig configures the chromedp transport used by render-only sources.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	// Promote re-renders HTML responses that look like client-side shells.
	Promote         bool `mapstructure:"promote"`
	PromoteMinBytes int  `mapstructure:"promote_min_bytes"`
}

// Bound is an inclusive value range for one item category.
type Bound struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// ValidationConfig carries the validator thresholds, vocabularies and rule weights.
type ValidationConfig struct {
	MinYear          int              `mapstructure:"min_year"`
	MaxYear          int              `mapstructure:"max_year"`
	Units            []string         `mapstructure:"units"`
	KnownCommodities []string         `mapstructure:"known_commodities"`
	KnownLocations   []string         `mapstructure:"known_locations"`
	KnownSources     []string         `mapstructure:"known_sources"`
	Bounds           map[string]Bound `mapstructure:"bounds"`
	Weights          map[string]int   `mapstructure:"weights"`
}

// StandardizeConfig holds the canonicalization tables for processed records.
type StandardizeConfig struct {
	VersionLabel     string            `mapstructure:"version_label"`
	SplitYears       bool              `mapstructure:"split_years"`
	UnitAliases      map[string]string `mapstructure:"unit_aliases"`
	CommodityAliases map[string]string `mapstructure:"commodity_aliases"`
	LocationAliases  map[string]string `mapstructure:"location_aliases"`
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Path     string `mapstructure:"path"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig selects where fetched payloads are archived.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SourceConfig describes one external origin of cost data.
type SourceConfig struct {
	Enabled          bool             `mapstructure:"enabled"`
	Documents        []DocumentConfig `mapstructure:"documents"`
	RatePolicy       RatePolicyConfig `mapstructure:"rate_policy"`
	KnownCommodities []string         `mapstructure:"known_commodities"`
	KnownLocations   []string         `mapstructure:"known_locations"`
	Extractor        ExtractorConfig  `mapstructure:"extractor"`
}

// DocumentConfig is one fetchable document of a source.
type DocumentConfig struct {
	URL       string            `mapstructure:"url"`
	Render    bool              `mapstructure:"render"`
	Commodity string            `mapstructure:"commodity"`
	Year      string            `mapstructure:"year"`
	Headers   map[string]string `mapstructure:"headers"`
}

// RatePolicyConfig bounds retries for a source.
type RatePolicyConfig struct {
	DelayMinMs     int `mapstructure:"delay_min_ms"`
	DelayMaxMs     int `mapstructure:"delay_max_ms"`
	MaxRetries     int `mapstructure:"max_retries"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ExtractorConfig selects and parameterizes a table extractor.
type ExtractorConfig struct {
	Kind          string `mapstructure:"kind"`
	Layout        string `mapstructure:"layout"`
	Sheet         string `mapstructure:"sheet"`
	TableSelector string `mapstructure:"table_selector"`
	HeaderRow     int    `mapstructure:"header_row"`
	SourceLabel   string `mapstructure:"source_label"`
	Commodity     string `mapstructure:"commodity"`
	Location      string `mapstructure:"location"`
	Year          string `mapstructure:"year"`
	Unit          string `mapstructure:"unit"`
}

// Supported backend and extractor names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"

	ExtractorXLSX = "xlsx"
	ExtractorHTML = "html"

	LayoutWide = "wide"
	LayoutLong = "long"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CROPCOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.run_timeout_seconds", 1800)
	v.SetDefault("pipeline.partial_reject_ratio", 0.2)
	v.SetDefault("fetch.user_agent", "cropcost-bot/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_backoff_ms", 60000)
	v.SetDefault("fetch.host_rps", 1.0)
	v.SetDefault("fetch.host_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.promote", true)
	v.SetDefault("headless.promote_min_bytes", 2048)
	v.SetDefault("validation.min_year", 1975)
	v.SetDefault("validation.max_year", 2030)
	v.SetDefault("validation.units", DefaultUnits)
	v.SetDefault("validation.known_commodities", DefaultCommodities)
	v.SetDefault("validation.known_locations", DefaultLocations)
	v.SetDefault("validation.known_sources", DefaultSources)
	v.SetDefault("validation.bounds", map[string]any{
		"cost":    map[string]any{"min": 0, "max": 2000},
		"yield":   map[string]any{"min": 0, "max": 500},
		"price":   map[string]any{"min": 0, "max": 50},
		"returns": map[string]any{"min": -2000, "max": 4000},
	})
	v.SetDefault("validation.weights", DefaultWeights)
	v.SetDefault("standardize.version_label", "v1")
	v.SetDefault("standardize.split_years", true)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.path", "cropcost.db")
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "payloads")
}

// Default vocabularies, used when the config file does not override them.
var (
	DefaultUnits       = []string{"$/acre", "bu/acre", "bushel/acre", "$/bu", "$/bushel", "$/ton", "$/lb", "$/cwt", "lb/acre", "ton/acre"}
	DefaultCommodities = []string{"Corn", "Soybeans", "Wheat", "Cotton"}
	DefaultLocations   = []string{"National", "Iowa", "Illinois", "Indiana", "Ohio", "Mississippi", "Tennessee", "North Dakota"}
	DefaultSources     = []string{"USDA", "ISU", "Purdue", "NDSU", "Farmoffice", "MSU", "UT"}
	DefaultWeights     = map[string]int{
		"presence":    25,
		"type":        40,
		"range":       30,
		"range_upper": 10,
		"year_format": 10,
		"unit":        10,
		"referential": 5,
	}
)

func (c *Config) applySourceDefaults() {
	for id, src := range c.Sources {
		if src.RatePolicy.DelayMinMs == 0 && src.RatePolicy.DelayMaxMs == 0 {
			src.RatePolicy.DelayMinMs = 1000
			src.RatePolicy.DelayMaxMs = 3000
		}
		if src.RatePolicy.TimeoutSeconds == 0 {
			src.RatePolicy.TimeoutSeconds = c.Fetch.TimeoutSeconds
		}
		if src.Extractor.Layout == "" {
			src.Extractor.Layout = LayoutWide
		}
		if src.Extractor.SourceLabel == "" {
			src.Extractor.SourceLabel = id
		}
		c.Sources[id] = src
	}
}

// Validate enforces required values and reasonable limits. Every failure
// wraps pipeline.ErrConfigInvalid.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return pipeline.ConfigInvalid("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return pipeline.ConfigInvalid("auth.api_key must be set when auth is enabled")
	}
	if c.Pipeline.Concurrency <= 0 {
		return pipeline.ConfigInvalid("pipeline.concurrency must be > 0")
	}
	if c.Pipeline.RunTimeoutSeconds < 0 {
		return pipeline.ConfigInvalid("pipeline.run_timeout_seconds must be >= 0")
	}
	if c.Pipeline.PartialRejectRatio < 0 || c.Pipeline.PartialRejectRatio > 1 {
		return pipeline.ConfigInvalid("pipeline.partial_reject_ratio must be within [0,1]")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return pipeline.ConfigInvalid("fetch.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return pipeline.ConfigInvalid("headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := c.Validation.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	if c.Standardize.VersionLabel == "" {
		return pipeline.ConfigInvalid("standardize.version_label is required")
	}
	for _, id := range c.SourceIDs(false) {
		if err := c.Sources[id].validate(id, c.Headless.Enabled); err != nil {
			return err
		}
	}
	return nil
}

func (v ValidationConfig) validate() error {
	if v.MinYear > v.MaxYear {
		return pipeline.ConfigInvalid("validation.min_year must be <= validation.max_year")
	}
	for name, b := range v.Bounds {
		if b.Min > b.Max {
			return pipeline.ConfigInvalid("validation.bounds.%s min must be <= max", name)
		}
	}
	for rule, w := range v.Weights {
		if w < 0 {
			return pipeline.ConfigInvalid("validation.weights.%s must be >= 0", rule)
		}
	}
	return nil
}

func (s StoreConfig) validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendPostgres:
		if s.DSN == "" {
			return pipeline.ConfigInvalid("store.dsn is required for the postgres backend")
		}
	case BackendSQLite:
		if s.Path == "" {
			return pipeline.ConfigInvalid("store.path is required for the sqlite backend")
		}
	default:
		return pipeline.ConfigInvalid("store.backend %q is not supported", s.Backend)
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	switch a.Backend {
	case ArchiveNone, ArchiveMemory, "":
	case ArchiveLocal:
		if a.BaseDir == "" {
			return pipeline.ConfigInvalid("archive.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if a.GCSBucket == "" {
			return pipeline.ConfigInvalid("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return pipeline.ConfigInvalid("archive.backend %q is not supported", a.Backend)
	}
	return nil
}

func (s SourceConfig) validate(id string, headless bool) error {
	if strings.TrimSpace(id) == "" {
		return pipeline.ConfigInvalid("source id must not be empty")
	}
	if len(s.Documents) == 0 {
		return pipeline.ConfigInvalid("sources.%s.documents must not be empty", id)
	}
	for i, doc := range s.Documents {
		u, err := url.Parse(doc.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return pipeline.ConfigInvalid("sources.%s.documents[%d].url %q is not an http(s) URL", id, i, doc.URL)
		}
		if doc.Render && !headless {
			return pipeline.ConfigInvalid("sources.%s.documents[%d] requires headless.enabled", id, i)
		}
	}
	rp := s.RatePolicy
	if rp.DelayMinMs < 0 || rp.DelayMaxMs < rp.DelayMinMs {
		return pipeline.ConfigInvalid("sources.%s.rate_policy requires 0 <= delay_min_ms <= delay_max_ms", id)
	}
	if rp.MaxRetries < 0 {
		return pipeline.ConfigInvalid("sources.%s.rate_policy.max_retries must be >= 0", id)
	}
	if rp.TimeoutSeconds <= 0 {
		return pipeline.ConfigInvalid("sources.%s.rate_policy.timeout_seconds must be > 0", id)
	}
	switch s.Extractor.Kind {
	case ExtractorXLSX, ExtractorHTML:
	default:
		return pipeline.ConfigInvalid("sources.%s.extractor.kind %q is not supported", id, s.Extractor.Kind)
	}
	switch s.Extractor.Layout {
	case LayoutWide, LayoutLong:
	default:
		return pipeline.ConfigInvalid("sources.%s.extractor.layout %q is not supported", id, s.Extractor.Layout)
	}
	if s.Extractor.HeaderRow < 0 {
		return pipeline.ConfigInvalid("sources.%s.extractor.header_row must be >= 0", id)
	}
	return nil
}

// SourceIDs returns the configured source ids in sorted order, optionally
// restricted to enabled sources.
func (c Config) SourceIDs(enabledOnly bool) []string {
	ids := make([]string, 0, len(c.Sources))
	for id, src := range c.Sources {
		if enabledOnly && !src.Enabled {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunTimeout converts the configured run budget into a duration. Zero disables it.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Pipeline.RunTimeoutSeconds) * time.Second
}

// MaxBackoff converts the backoff cap into a duration.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.Fetch.MaxBackoffMs) * time.Millisecond
}

// Policy converts the configured rate policy into the executor form.
func (r RatePolicyConfig) Policy() pipeline.RatePolicy {
	return pipeline.RatePolicy{
		DelayMin:   time.Duration(r.DelayMinMs) * time.Millisecond,
		DelayMax:   time.Duration(r.DelayMaxMs) * time.Millisecond,
		MaxRetries: r.MaxRetries,
	}
}

// Timeout converts the per-attempt timeout into a duration.
func (r RatePolicyConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}
