package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      App      `mapstructure:"app"`
	Graph    Graph    `mapstructure:"graph"`
	Refine   Refine   `mapstructure:"refine"`
	Evidence Evidence `mapstructure:"evidence"`
	Dispatch Dispatch `mapstructure:"dispatch"`
	Services Services `mapstructure:"services"`
	Taxonomy Taxonomy `mapstructure:"taxonomy"`
	Storage  Storage  `mapstructure:"storage"`
	Logging  Logging  `mapstructure:"logging"`
}

// App holds general application configuration
type App struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	DataDir  string `mapstructure:"data_dir"`
}

// Graph holds tag-label graph cache configuration
type Graph struct {
	TTL            string `mapstructure:"ttl"`             // Snapshot max age before a refresh is attempted
	RefreshTimeout string `mapstructure:"refresh_timeout"` // Deadline for one refresh from the durable store
	Window         string `mapstructure:"window"`          // Co-occurrence window label to load (e.g., "7d")
}

// Refine holds genre refinement engine configuration
type Refine struct {
	TagConfidenceGate      float64 `mapstructure:"tag_confidence_gate"`       // Minimum tag confidence considered by strategies
	GraphMargin            float64 `mapstructure:"graph_margin"`              // Top-two margin required for a GraphBoost decision
	WeightedTieBreakMargin float64 `mapstructure:"weighted_tie_break_margin"` // Margin below which the weighted tie-break runs
	FallbackGenre          string  `mapstructure:"fallback_genre"`            // Topic assigned when no candidates exist
	LogSampleEvery         uint64  `mapstructure:"log_sample_every"`          // Per-decision log sampling rate (1 = log everything)
}

// Evidence holds evidence corpus builder configuration
type Evidence struct {
	MinViableDocs int `mapstructure:"min_viable_docs"` // Documents below which a corpus counts as insufficient
}

// Dispatch holds dispatch orchestrator configuration
type Dispatch struct {
	Parallelism    int    `mapstructure:"parallelism"`     // Concurrent clustering calls (0 = derive from CPU count)
	TopicTimeout   string `mapstructure:"topic_timeout"`   // Per-topic clustering deadline
	ChunkSize      int    `mapstructure:"chunk_size"`      // Topics per summarization batch call
	SentenceBudget int    `mapstructure:"sentence_budget"` // Representative sentences per cluster
}

// Services holds external service configuration
type Services struct {
	Clustering    ClusteringService    `mapstructure:"clustering"`
	Summarization SummarizationService `mapstructure:"summarization"`
	Gemini        GeminiService        `mapstructure:"gemini"`
}

// ClusteringService holds the clustering service endpoint configuration
type ClusteringService struct {
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	Timeout         string `mapstructure:"timeout"`
	PollInterval    string `mapstructure:"poll_interval"`     // Initial backoff between run status polls
	PollMaxInterval string `mapstructure:"poll_max_interval"` // Backoff cap
	PollMaxAttempts int    `mapstructure:"poll_max_attempts"` // Poll attempts before giving up
}

// SummarizationService holds the batch summarization endpoint configuration
type SummarizationService struct {
	Backend string `mapstructure:"backend"` // "http" or "gemini"
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout string `mapstructure:"timeout"`
}

// GeminiService holds Gemini configuration for the fallback summarizer
type GeminiService struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// Taxonomy holds topic taxonomy file configuration
type Taxonomy struct {
	Path string `mapstructure:"path"`
}

// Storage holds persistence configuration
type Storage struct {
	Directory string `mapstructure:"directory"`
	Timeout   string `mapstructure:"timeout"`
}

// Logging holds logging configuration
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var globalConfig *Config

// Load loads the configuration from various sources
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	// Configure viper
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".winnow")
		viper.SetConfigType("yaml")
	}

	// Set defaults
	setDefaults()

	// Bind environment variables
	bindEnvironmentVariables()

	// Enable automatic environment variable reading
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into struct
	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply post-processing
	if err := postProcessConfig(config); err != nil {
		return nil, fmt.Errorf("error post-processing config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.data_dir", ".winnow-data")

	// Graph defaults
	viper.SetDefault("graph.ttl", "15m")
	viper.SetDefault("graph.refresh_timeout", "10s")
	viper.SetDefault("graph.window", "7d")

	// Refine defaults
	viper.SetDefault("refine.tag_confidence_gate", 0.6)
	viper.SetDefault("refine.graph_margin", 0.15)
	viper.SetDefault("refine.weighted_tie_break_margin", 0.05)
	viper.SetDefault("refine.fallback_genre", "other")
	viper.SetDefault("refine.log_sample_every", 100)

	// Evidence defaults
	viper.SetDefault("evidence.min_viable_docs", 2)

	// Dispatch defaults
	viper.SetDefault("dispatch.parallelism", 0)
	viper.SetDefault("dispatch.topic_timeout", "30s")
	viper.SetDefault("dispatch.chunk_size", 50)
	viper.SetDefault("dispatch.sentence_budget", 12)

	// Services defaults
	viper.SetDefault("services.clustering.base_url", "http://localhost:8090")
	viper.SetDefault("services.clustering.timeout", "20s")
	viper.SetDefault("services.clustering.poll_interval", "500ms")
	viper.SetDefault("services.clustering.poll_max_interval", "8s")
	viper.SetDefault("services.clustering.poll_max_attempts", 10)
	viper.SetDefault("services.summarization.backend", "http")
	viper.SetDefault("services.summarization.base_url", "http://localhost:8091")
	viper.SetDefault("services.summarization.timeout", "60s")
	viper.SetDefault("services.gemini.model", "gemini-2.5-flash-preview-05-20")

	// Taxonomy defaults
	viper.SetDefault("taxonomy.path", "taxonomy.yaml")

	// Storage defaults
	viper.SetDefault("storage.directory", ".winnow-data")
	viper.SetDefault("storage.timeout", "5s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// bindEnvironmentVariables sets up flexible environment variable binding
func bindEnvironmentVariables() {
	// Gemini API key - support multiple formats
	bindEnvKeys("services.gemini.api_key", []string{
		"GEMINI_API_KEY",
		"GOOGLE_GEMINI_API_KEY",
		"GOOGLE_AI_API_KEY",
	})

	// Clustering service
	bindEnvKeys("services.clustering.base_url", []string{
		"CLUSTERING_SERVICE_URL",
		"WINNOW_CLUSTERING_URL",
	})

	bindEnvKeys("services.clustering.api_key", []string{
		"CLUSTERING_API_KEY",
		"WINNOW_CLUSTERING_API_KEY",
	})

	// Summarization service
	bindEnvKeys("services.summarization.base_url", []string{
		"SUMMARIZATION_SERVICE_URL",
		"WINNOW_SUMMARIZATION_URL",
	})

	bindEnvKeys("services.summarization.api_key", []string{
		"SUMMARIZATION_API_KEY",
		"WINNOW_SUMMARIZATION_API_KEY",
	})

	// General settings
	bindEnvKeys("app.debug", []string{
		"DEBUG",
		"WINNOW_DEBUG",
	})

	bindEnvKeys("app.data_dir", []string{
		"WINNOW_DATA_DIR",
	})

	bindEnvKeys("taxonomy.path", []string{
		"WINNOW_TAXONOMY",
	})
}

// bindEnvKeys binds the first found environment variable to a viper key
func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

// postProcessConfig applies post-processing to configuration values
func postProcessConfig(config *Config) error {
	// Expand paths
	if config.App.DataDir != "" {
		config.App.DataDir = expandPath(config.App.DataDir)
	}
	if config.Storage.Directory != "" {
		config.Storage.Directory = expandPath(config.Storage.Directory)
	}
	if config.Taxonomy.Path != "" {
		config.Taxonomy.Path = expandPath(config.Taxonomy.Path)
	}

	// Validate durations
	durations := map[string]string{
		"graph.ttl":                             config.Graph.TTL,
		"graph.refresh_timeout":                 config.Graph.RefreshTimeout,
		"dispatch.topic_timeout":                config.Dispatch.TopicTimeout,
		"services.clustering.timeout":           config.Services.Clustering.Timeout,
		"services.clustering.poll_interval":     config.Services.Clustering.PollInterval,
		"services.clustering.poll_max_interval": config.Services.Clustering.PollMaxInterval,
		"services.summarization.timeout":        config.Services.Summarization.Timeout,
		"storage.timeout":                       config.Storage.Timeout,
	}

	for key, duration := range durations {
		if duration != "" {
			if _, err := time.ParseDuration(duration); err != nil {
				return fmt.Errorf("invalid duration for %s: %s", key, duration)
			}
		}
	}

	return nil
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

// validateConfig ensures required configuration is present
func validateConfig(config *Config) error {
	var errors []string

	if config.Refine.TagConfidenceGate < 0 || config.Refine.TagConfidenceGate > 1 {
		errors = append(errors, fmt.Sprintf("refine.tag_confidence_gate must be in [0,1], got %v", config.Refine.TagConfidenceGate))
	}
	if config.Refine.GraphMargin < 0 {
		errors = append(errors, fmt.Sprintf("refine.graph_margin must be non-negative, got %v", config.Refine.GraphMargin))
	}
	if config.Refine.WeightedTieBreakMargin < 0 {
		errors = append(errors, fmt.Sprintf("refine.weighted_tie_break_margin must be non-negative, got %v", config.Refine.WeightedTieBreakMargin))
	}
	if config.Refine.FallbackGenre == "" {
		errors = append(errors, "refine.fallback_genre must not be empty")
	}

	if config.Evidence.MinViableDocs < 1 {
		errors = append(errors, fmt.Sprintf("evidence.min_viable_docs must be at least 1, got %d", config.Evidence.MinViableDocs))
	}

	if config.Dispatch.Parallelism < 0 {
		errors = append(errors, fmt.Sprintf("dispatch.parallelism must be non-negative, got %d", config.Dispatch.Parallelism))
	}
	if config.Dispatch.ChunkSize < 1 {
		errors = append(errors, fmt.Sprintf("dispatch.chunk_size must be at least 1, got %d", config.Dispatch.ChunkSize))
	}
	if config.Dispatch.SentenceBudget < 1 {
		errors = append(errors, fmt.Sprintf("dispatch.sentence_budget must be at least 1, got %d", config.Dispatch.SentenceBudget))
	}

	switch config.Services.Summarization.Backend {
	case "http":
		if config.Services.Summarization.BaseURL == "" {
			errors = append(errors, "services.summarization.base_url is required for the http backend. Set SUMMARIZATION_SERVICE_URL")
		}
	case "gemini":
		if config.Services.Gemini.APIKey == "" {
			errors = append(errors, "Gemini API key is required for the gemini summarization backend. Set GEMINI_API_KEY environment variable or services.gemini.api_key in config file")
		}
	default:
		errors = append(errors, fmt.Sprintf("Unknown summarization backend: %s. Supported: http, gemini", config.Services.Summarization.Backend))
	}

	if config.Services.Clustering.PollMaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("services.clustering.poll_max_attempts must be at least 1, got %d", config.Services.Clustering.PollMaxAttempts))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Duration parses a configured duration string, falling back when the value
// is empty or unparseable. Durations are pre-validated in postProcessConfig,
// so the fallback only matters for values bypassing Load (e.g. in tests).
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Convenience getters for commonly used configuration values
func GetApp() App           { return Get().App }
func GetGraph() Graph       { return Get().Graph }
func GetRefine() Refine     { return Get().Refine }
func GetEvidence() Evidence { return Get().Evidence }
func GetDispatch() Dispatch { return Get().Dispatch }
func GetServices() Services { return Get().Services }
func GetTaxonomy() Taxonomy { return Get().Taxonomy }
func GetStorage() Storage   { return Get().Storage }
func GetLogging() Logging   { return Get().Logging }

// Specific convenience getters for frequently accessed values
func GetDataDir() string       { return Get().App.DataDir }
func GetGeminiAPIKey() string  { return Get().Services.Gemini.APIKey }
func GetGeminiModel() string   { return Get().Services.Gemini.Model }
func GetTaxonomyPath() string  { return Get().Taxonomy.Path }
func IsDebugMode() bool        { return Get().App.Debug }

// Reset clears the global configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viper.Reset()
}
