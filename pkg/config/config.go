package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the full daemon configuration
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogJSON    bool   `mapstructure:"log_json"`

	Store        StoreConfig        `mapstructure:"store"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Branch       BranchConfig       `mapstructure:"branch"`
	Fusion       FusionConfig       `mapstructure:"fusion"`
	Recognizers  RecognizerConfig   `mapstructure:"recognizers"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	API          APIConfig          `mapstructure:"api"`
}

// StoreConfig selects and configures the job state store
type StoreConfig struct {
	Type string `mapstructure:"type"` // "memory", "sqlite" or "postgres"
	Path string `mapstructure:"path"` // sqlite file path
	DSN  string `mapstructure:"dsn"`  // postgres connection string
}

// IngestConfig controls how jobIds derive from upload keys
type IngestConfig struct {
	UploadPrefix string `mapstructure:"upload_prefix"`
	MediaSuffix  string `mapstructure:"media_suffix"`
}

// OrchestratorConfig controls the job state machine
type OrchestratorConfig struct {
	Workers                       int     `mapstructure:"workers"`
	JobTimeoutSeconds             float64 `mapstructure:"job_timeout_seconds"`
	RequireAllBranches            bool    `mapstructure:"require_all_branches"`
	PrepareMaxAttempts            int     `mapstructure:"prepare_max_attempts"`
	PrepareInitialIntervalSeconds float64 `mapstructure:"prepare_initial_interval_seconds"`
	PrepareBackoffRate            float64 `mapstructure:"prepare_backoff_rate"`
}

// BranchConfig controls the per-modality submit/poll loops
type BranchConfig struct {
	PollIntervalSeconds      float64 `mapstructure:"poll_interval_seconds"`
	MaxAttempts              int     `mapstructure:"max_attempts"`
	BackoffRate              float64 `mapstructure:"backoff_rate"`
	PollRPS                  float64 `mapstructure:"poll_rps"`
	AudioTimeBudgetSeconds   float64 `mapstructure:"audio_time_budget_seconds"`
	FaceTimeBudgetSeconds    float64 `mapstructure:"face_time_budget_seconds"`
	VisualTimeBudgetSeconds  float64 `mapstructure:"visual_time_budget_seconds"`
}

// FusionConfig holds the fusion engine thresholds
type FusionConfig struct {
	AudioConfidenceThreshold float64 `mapstructure:"audio_confidence_threshold"`
	FaceLookupMarginSeconds  float64 `mapstructure:"face_lookup_margin_seconds"`
}

// RecognizerConfig points at the external recognition services
type RecognizerConfig struct {
	TranscribeURL string `mapstructure:"transcribe_url"`
	FaceURL       string `mapstructure:"face_url"`
	LipreadURL    string `mapstructure:"lipread_url"`
	MediaPrepURL  string `mapstructure:"media_prep_url"`
	MaxSpeakers   int    `mapstructure:"max_speakers"`
	LanguageCode  string `mapstructure:"language_code"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Environment  string `mapstructure:"environment"`
}

// APIConfig controls the HTTP surface
type APIConfig struct {
	CORSOrigins []string `mapstructure:"cors_origins"`
	RateRPS     float64  `mapstructure:"rate_rps"`
	RateBurst   int      `mapstructure:"rate_burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.path", "gorggles.db")

	v.SetDefault("ingest.upload_prefix", "uploads/")
	v.SetDefault("ingest.media_suffix", ".mp4")

	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.job_timeout_seconds", 3600.0)
	v.SetDefault("orchestrator.require_all_branches", false)
	v.SetDefault("orchestrator.prepare_max_attempts", 3)
	v.SetDefault("orchestrator.prepare_initial_interval_seconds", 5.0)
	v.SetDefault("orchestrator.prepare_backoff_rate", 2.0)

	v.SetDefault("branch.poll_interval_seconds", 5.0)
	v.SetDefault("branch.max_attempts", 3)
	v.SetDefault("branch.backoff_rate", 2.0)
	v.SetDefault("branch.poll_rps", 2.0)
	v.SetDefault("branch.audio_time_budget_seconds", 600.0)
	v.SetDefault("branch.face_time_budget_seconds", 600.0)
	// Lip-reading inference has its own SLA, give it more room
	v.SetDefault("branch.visual_time_budget_seconds", 1800.0)

	v.SetDefault("fusion.audio_confidence_threshold", 0.6)
	v.SetDefault("fusion.face_lookup_margin_seconds", 0.0)

	v.SetDefault("recognizers.max_speakers", 5)
	v.SetDefault("recognizers.language_code", "en-US")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.rate_rps", 50.0)
	v.SetDefault("api.rate_burst", 100)
}

// Load reads configuration from an optional file plus GORGGLES_* env vars
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GORGGLES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("gorggles")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gorggles")
		// Missing config file is fine, defaults + env apply
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the built-in configuration, no file or env applied
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config unmarshal: %v", err))
	}
	return &cfg
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	if c.Fusion.AudioConfidenceThreshold < 0 || c.Fusion.AudioConfidenceThreshold > 1 {
		return fmt.Errorf("fusion.audio_confidence_threshold must be in [0,1], got %v", c.Fusion.AudioConfidenceThreshold)
	}
	if c.Fusion.FaceLookupMarginSeconds < 0 {
		return fmt.Errorf("fusion.face_lookup_margin_seconds must be >= 0, got %v", c.Fusion.FaceLookupMarginSeconds)
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be > 0, got %d", c.Orchestrator.Workers)
	}
	if c.Branch.MaxAttempts <= 0 {
		return fmt.Errorf("branch.max_attempts must be > 0, got %d", c.Branch.MaxAttempts)
	}
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("store.type must be memory, sqlite or postgres, got %q", c.Store.Type)
	}
	return nil
}
