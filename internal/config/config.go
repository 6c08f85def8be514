package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort string

	GeocodingURL       string
	ForecastURL        string
	SoilURL            string
	LocationAPITimeout time.Duration
	LocationMaxLength  int

	GenAIAPIKey          string
	GenAIModel           string
	GenAITemperature     float32
	GenAIMaxOutputTokens int
	GenAITimeout         time.Duration

	RequestTimeout  time.Duration
	CacheTTL        time.Duration
	CacheStaleTTL   time.Duration
	CacheBackend    string // "in_memory" or "memcached"
	CoalesceTimeout time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts           int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RateLimitRPS            int
	RateLimitBurst          int
	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitTimeout          time.Duration
	AIBreakerFailures       int
	AIBreakerTimeout        time.Duration

	ResolverQuietPeriod   time.Duration
	ResolverShortQuery    int
	ResolverLookupTimeout time.Duration

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	SessionMaxCount      int
	ActionTimeout        time.Duration
	MaxAudioBytes        int
	MaxImageBytes        int

	ShutdownTimeout time.Duration

	DegradedWindow     time.Duration
	DegradedErrorPct   int
	DegradedMinSamples int

	OverloadWindow       time.Duration
	OverloadThresholdPct int

	TrackedLocations []string
	WarmInterval     time.Duration
	WarmConcurrency  int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	LocationAPI struct {
		GeocodingURL string `yaml:"geocoding_url"`
		ForecastURL  string `yaml:"forecast_url"`
		SoilURL      string `yaml:"soil_url"`
		Timeout      string `yaml:"timeout"`
		MaxLength    int    `yaml:"max_length"`
	} `yaml:"location_api"`

	GenAI struct {
		Model           string   `yaml:"model"`
		Temperature     *float32 `yaml:"temperature"`
		MaxOutputTokens int      `yaml:"max_output_tokens"`
		Timeout         string   `yaml:"timeout"`
	} `yaml:"genai"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string `yaml:"backend"`
		TTL             string `yaml:"ttl"`
		StaleTTL        string `yaml:"stale_ttl"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
		CircuitFailureThreshold int    `yaml:"circuit_failure_threshold"`
		CircuitSuccessThreshold int    `yaml:"circuit_success_threshold"`
		CircuitTimeout          string `yaml:"circuit_timeout"`
		AIBreakerFailures       int    `yaml:"ai_breaker_failures"`
		AIBreakerTimeout        string `yaml:"ai_breaker_timeout"`
	} `yaml:"reliability"`

	Resolver struct {
		QuietPeriod    string `yaml:"quiet_period"`
		MinQueryLength *int   `yaml:"min_query_length"`
		LookupTimeout  string `yaml:"lookup_timeout"`
	} `yaml:"resolver"`

	Session struct {
		TTL           string `yaml:"ttl"`
		SweepInterval string `yaml:"sweep_interval"`
		MaxCount      int    `yaml:"max_count"`
		ActionTimeout string `yaml:"action_timeout"`
		MaxAudioBytes int    `yaml:"max_audio_bytes"`
		MaxImageBytes int    `yaml:"max_image_bytes"`
	} `yaml:"session"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow     string `yaml:"degraded_window"`
		DegradedErrorPct   int    `yaml:"degraded_error_pct"`
		DegradedMinSamples int    `yaml:"degraded_min_samples"`
		OverloadWindow     string `yaml:"overload_window"`
		OverloadThreshold  int    `yaml:"overload_threshold_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
		WarmInterval     string   `yaml:"warm_interval"`
		WarmConcurrency  int      `yaml:"warm_concurrency"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	GenAIAPIKey string `yaml:"genai_api_key"`
}

// Load reads .env (if present), config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// The API key comes from GENAI_API_KEY env or the secrets file. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.GenAIAPIKey = os.Getenv("GENAI_API_KEY")
	if cfg.GenAIAPIKey == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.GenAIAPIKey = sec.GenAIAPIKey
		}
	}
	if cfg.GenAIAPIKey == "" {
		return nil, fmt.Errorf("GENAI_API_KEY required (set env, .env or config/secrets.yaml genai_api_key)")
	}

	cfg.GeocodingURL = firstNonEmpty(fc.LocationAPI.GeocodingURL, "https://geocoding-api.open-meteo.com/v1/search")
	cfg.ForecastURL = firstNonEmpty(fc.LocationAPI.ForecastURL, "https://api.open-meteo.com/v1/forecast")
	cfg.SoilURL = firstNonEmpty(fc.LocationAPI.SoilURL, "https://rest.isric.org/soilgrids/v2.0/properties/query")
	cfg.LocationAPITimeout = parseDurationOrZero(fc.LocationAPI.Timeout, 5*time.Second)
	cfg.LocationMaxLength = positiveOr(fc.LocationAPI.MaxLength, 100)

	cfg.GenAIModel = firstNonEmpty(os.Getenv("GENAI_MODEL"), fc.GenAI.Model, "gemini-2.5-flash")
	cfg.GenAITemperature = 0.4
	if fc.GenAI.Temperature != nil {
		cfg.GenAITemperature = *fc.GenAI.Temperature
	}
	cfg.GenAIMaxOutputTokens = fc.GenAI.MaxOutputTokens
	cfg.GenAITimeout = parseDuration(fc.GenAI.Timeout, 30*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 15*time.Minute)
	cfg.CacheStaleTTL = parseDurationOrZero(fc.Cache.StaleTTL, 2*time.Hour)
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Cache.CoalesceTimeout, 10*time.Second)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory")))
	cfg.MemcachedAddrs = strings.TrimSpace(firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211"))
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	// One attempt by default: user-facing flows do not retry.
	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 1)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 50)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 100)
	cfg.CircuitFailureThreshold = positiveOr(fc.Reliability.CircuitFailureThreshold, 5)
	cfg.CircuitSuccessThreshold = positiveOr(fc.Reliability.CircuitSuccessThreshold, 2)
	cfg.CircuitTimeout = parseDuration(fc.Reliability.CircuitTimeout, 30*time.Second)
	cfg.AIBreakerFailures = positiveOr(fc.Reliability.AIBreakerFailures, 5)
	cfg.AIBreakerTimeout = parseDuration(fc.Reliability.AIBreakerTimeout, 30*time.Second)

	cfg.ResolverQuietPeriod = parseDuration(fc.Resolver.QuietPeriod, 1500*time.Millisecond)
	cfg.ResolverShortQuery = 3
	if fc.Resolver.MinQueryLength != nil {
		cfg.ResolverShortQuery = *fc.Resolver.MinQueryLength
	}
	cfg.ResolverLookupTimeout = parseDuration(fc.Resolver.LookupTimeout, 15*time.Second)

	cfg.SessionTTL = parseDuration(fc.Session.TTL, 30*time.Minute)
	cfg.SessionSweepInterval = parseDuration(fc.Session.SweepInterval, time.Minute)
	cfg.SessionMaxCount = positiveOr(fc.Session.MaxCount, 10000)
	cfg.ActionTimeout = parseDuration(fc.Session.ActionTimeout, 60*time.Second)
	cfg.MaxAudioBytes = positiveOr(fc.Session.MaxAudioBytes, 10<<20)
	cfg.MaxImageBytes = positiveOr(fc.Session.MaxImageBytes, 8<<20)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 50)
	cfg.DegradedMinSamples = positiveOr(fc.Lifecycle.DegradedMinSamples, 5)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = positiveOr(fc.Lifecycle.OverloadThreshold, 20)

	cfg.TrackedLocations = fc.Metrics.TrackedLocations
	cfg.WarmInterval = parseDurationOrZero(fc.Metrics.WarmInterval, 0)
	cfg.WarmConcurrency = positiveOr(fc.Metrics.WarmConcurrency, 4)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is; "0" disables optional features.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised above the upstream
// timeout when needed.
func validate(cfg *Config) error {
	if cfg.LocationAPITimeout <= 0 {
		return fmt.Errorf("location_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.LocationAPITimeout {
		cfg.RequestTimeout = cfg.LocationAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.ResolverShortQuery < 0 {
		return fmt.Errorf("resolver.min_query_length must not be negative")
	}
	if cfg.GenAITemperature < 0 || cfg.GenAITemperature > 2 {
		return fmt.Errorf("genai.temperature must be between 0 and 2, got %v", cfg.GenAITemperature)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("lifecycle.degraded_error_pct must be at most 100")
	}
	if cfg.OverloadThresholdPct > 100 {
		return fmt.Errorf("lifecycle.overload_threshold_pct must be at most 100")
	}
	if cfg.CacheStaleTTL < 0 {
		cfg.CacheStaleTTL = 0
	}
	return nil
}
