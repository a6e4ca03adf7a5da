package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/articlegen/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server  ServerConfig            `yaml:"server"`
	LLM     LLMConfig               `yaml:"llm"`
	Stages  map[string]StageProfile `yaml:"stages"`
	Quality QualityConfig           `yaml:"quality"`
	Images  ImagesConfig            `yaml:"images"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxBodySize   ByteSize      `yaml:"maxBodySize"`
	WorkerCount   int           `yaml:"workerCount"`
	QueueCapacity int           `yaml:"queueCapacity"`
	StorageDir    string        `yaml:"storageDir"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	DatabasePath  string        `yaml:"databasePath"`  // optional, overrides default storageDir/articlegen.db
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// LLMConfig selects provider and provider-specific options.
type LLMConfig struct {
	Provider string          `yaml:"provider"` // "mock" or "aiproxy"
	Mock     MockSettings    `yaml:"mock"`
	AIProxy  AIProxySettings `yaml:"aiproxy"`
}

// MockSettings config for the mock LLM.
type MockSettings struct {
	Delay time.Duration `yaml:"delay"`
}

// AIProxySettings config for an OpenAI-compatible chat completions endpoint.
type AIProxySettings struct {
	BaseURL string        `yaml:"baseUrl"` // e.g. http://localhost:8900
	APIKey  string        `yaml:"apiKey"`  // optional
	Timeout time.Duration `yaml:"timeout"`
}

// StageProfile is the configured model, temperature and token limit for one pipeline stage.
// Unset fields fall back to the built-in profile; an explicit temperature of 0 is kept.
type StageProfile struct {
	Model       string   `yaml:"model"`
	Temperature *float32 `yaml:"temperature"`
	MaxTokens   int      `yaml:"maxTokens"`
}

// ModelProfile is a fully resolved StageProfile as sent to the model endpoint.
type ModelProfile struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// QualityConfig controls advisory review flagging.
type QualityConfig struct {
	// ReviewThreshold flags a finished job for manual review when its clamped
	// quality score falls below it. Never blocks completion. 0 disables score based flagging.
	ReviewThreshold *int `yaml:"reviewThreshold"`
}

// DefaultReviewThreshold applies when quality.reviewThreshold is not set.
const DefaultReviewThreshold = 60

// Threshold returns the effective review threshold.
func (q QualityConfig) Threshold() int {
	if q.ReviewThreshold == nil {
		return DefaultReviewThreshold
	}
	return *q.ReviewThreshold
}

// ImagesConfig configures delivery of the image-generation follow-up request.
type ImagesConfig struct {
	WebhookURL string        `yaml:"webhookUrl"` // empty: follow-up requests are only logged
	Retries    int           `yaml:"retries"`
	Backoff    time.Duration `yaml:"backoff"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Stage names as used in the stages section. Kept here so config does not depend on the stages package.
const (
	StageKeywordAnalysis = "keyword_analysis"
	StageStructure       = "structure"
	StageDraft           = "draft"
	StageSEO             = "seo"
	StageProofreading    = "proofreading"
)

var defaultProfiles = map[string]ModelProfile{
	StageKeywordAnalysis: {Model: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 2000},
	StageStructure:       {Model: "gpt-4o", Temperature: 0.5, MaxTokens: 4000},
	StageDraft:           {Model: "gpt-4o", Temperature: 0.7, MaxTokens: 16000},
	StageSEO:             {Model: "gpt-4o", Temperature: 0.3, MaxTokens: 16000},
	StageProofreading:    {Model: "gpt-4o", Temperature: 0.2, MaxTokens: 16000},
}

// Profile resolves the profile for a stage, falling back to built-in defaults field by field.
func (c *Config) Profile(stage string) ModelProfile {
	set := c.Stages[stage]
	p := defaultProfiles[stage]
	if m := strings.TrimSpace(set.Model); m != "" {
		p.Model = m
	}
	if set.MaxTokens > 0 {
		p.MaxTokens = set.MaxTokens
	}
	if set.Temperature != nil {
		p.Temperature = *set.Temperature
	}
	return p
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseByteSize(strings.TrimSpace(value.Value))
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

// String renders the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Kubernetes-style binary suffixes (Ki, Mi, Gi) are accepted in addition to
// everything go-humanize understands.
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if strings.HasSuffix(strings.ToUpper(s), "I") {
		s += "B"
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v, nil
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var ARTICLEGEN_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("ARTICLEGEN_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes, applying env expansion, defaults and validation.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storageDir: %w", err)
		}
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, common.DatabaseFileName)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(1024 * 1024)
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = common.DefaultWorkerCount
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "mock"
	}
	if strings.EqualFold(cfg.LLM.Provider, "aiproxy") {
		if strings.TrimSpace(cfg.LLM.AIProxy.BaseURL) == "" {
			cfg.LLM.AIProxy.BaseURL = "http://localhost:8900"
		}
		if cfg.LLM.AIProxy.Timeout == 0 {
			cfg.LLM.AIProxy.Timeout = 5 * time.Minute
		}
	}

	if cfg.Stages == nil {
		cfg.Stages = map[string]StageProfile{}
	}
	for name := range defaultProfiles {
		p := cfg.Profile(name)
		cfg.Stages[name] = StageProfile{Model: p.Model, Temperature: &p.Temperature, MaxTokens: p.MaxTokens}
	}

	if cfg.Quality.ReviewThreshold == nil {
		t := DefaultReviewThreshold
		cfg.Quality.ReviewThreshold = &t
	}

	if cfg.Images.Retries == 0 {
		cfg.Images.Retries = 3
	}
	if cfg.Images.Backoff == 0 {
		cfg.Images.Backoff = 2 * time.Second
	}
	if cfg.Images.Timeout == 0 {
		cfg.Images.Timeout = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.LLM.Provider) {
	case "mock", "aiproxy":
	default:
		return fmt.Errorf("unsupported llm.provider %q", cfg.LLM.Provider)
	}
	for name := range cfg.Stages {
		if _, ok := defaultProfiles[name]; !ok {
			return fmt.Errorf("unknown stage %q in stages", name)
		}
	}
	for name, p := range cfg.Stages {
		if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
			return fmt.Errorf("stages.%s.temperature must be within [0,2]", name)
		}
	}
	if t := cfg.Quality.Threshold(); t < 0 || t > 100 {
		return errors.New("quality.reviewThreshold must be within [0,100]")
	}
	if _, err := ParseLogLevel(cfg.Server.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps the configured level name to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid server.logLevel %q", s)
}
