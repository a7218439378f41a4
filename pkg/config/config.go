// Package config provides configuration management for the book Q&A service.
// It follows Uber Go Style Guide conventions for struct organization and error handling.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// Common configuration errors
var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// ServiceConfig holds common configuration for external model endpoints.
type ServiceConfig struct {
	// Connection settings
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	APIKey  string `mapstructure:"api_key" validate:"required"`

	// Service settings
	Model string `mapstructure:"model" validate:"required"`
}

// ChunkingConfig defines the parent/child segmentation parameters.
type ChunkingConfig struct {
	// Parent size constraints
	MaxChunkSize int `mapstructure:"max_chunk_size" validate:"min=100"`
	MinChunkSize int `mapstructure:"min_chunk_size" validate:"min=50"`

	// Child window parameters
	ChildSize    int `mapstructure:"child_size" validate:"min=50"`
	ChildOverlap int `mapstructure:"child_overlap" validate:"min=0"`

	// Semantic breakpoint thresholds
	BreakpointThreshold float64 `mapstructure:"breakpoint_threshold" validate:"min=0.0,max=1.0"`
	HardThreshold       float64 `mapstructure:"hard_threshold" validate:"min=0.0,max=1.0"`
}

// Validate checks the chunking configuration and sets defaults.
func (c *ChunkingConfig) Validate() error {
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = 1200
	}
	if c.MinChunkSize == 0 {
		c.MinChunkSize = 400
	}
	if c.ChildSize == 0 {
		c.ChildSize = 150
	}
	if c.ChildOverlap == 0 {
		c.ChildOverlap = 30
	}
	if c.BreakpointThreshold == 0 {
		c.BreakpointThreshold = 0.7
	}
	if c.HardThreshold == 0 {
		c.HardThreshold = 0.56
	}

	if c.MinChunkSize >= c.MaxChunkSize {
		return fmt.Errorf("%w: min chunk size must be less than max chunk size", ErrInvalidConfig)
	}
	if c.ChildOverlap >= c.ChildSize {
		return fmt.Errorf("%w: child overlap must be less than child size", ErrInvalidConfig)
	}
	if c.HardThreshold > c.BreakpointThreshold {
		return fmt.Errorf("%w: hard threshold must not exceed breakpoint threshold", ErrInvalidConfig)
	}

	return nil
}

// RetrievalConfig defines the retrieval pipeline parameters and ablation flags.
type RetrievalConfig struct {
	// Feature flags, all enabled by default.
	Hyde         bool `mapstructure:"hyde"`
	StepBack     bool `mapstructure:"stepback"`
	Rerank       bool `mapstructure:"rerank"`
	HybridSearch bool `mapstructure:"hybrid_search"`

	// Pipeline constants.
	RRFK       int `mapstructure:"rrf_k" validate:"min=1"`
	Candidates int `mapstructure:"candidates" validate:"min=1"`
	TopParents int `mapstructure:"top_parents" validate:"min=1"`
}

// Validate checks the retrieval configuration and sets defaults.
func (c *RetrievalConfig) Validate() error {
	if c.RRFK == 0 {
		c.RRFK = 60
	}
	if c.Candidates == 0 {
		c.Candidates = 20
	}
	if c.TopParents == 0 {
		c.TopParents = 5
	}
	if c.TopParents > c.Candidates {
		return fmt.Errorf("%w: top parents cannot exceed candidate count", ErrInvalidConfig)
	}
	return nil
}

// Config represents the complete application configuration.
type Config struct {
	// Server configuration
	Server struct {
		Host string `mapstructure:"host" validate:"required"`
		Port string `mapstructure:"port" validate:"required,numeric"`
	} `mapstructure:"server"`

	// Document and persistence paths
	Document struct {
		Path         string `mapstructure:"path"`
		SnapshotPath string `mapstructure:"snapshot_path"`
	} `mapstructure:"document"`

	// Evaluation artifact paths
	Evaluation struct {
		TestSetPath string `mapstructure:"test_set_path"`
		ReportPath  string `mapstructure:"report_path"`
		HistoryDir  string `mapstructure:"history_dir"`
	} `mapstructure:"evaluation"`

	// Processing configuration
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`

	// External services configuration
	Services struct {
		Embedding ServiceConfig `mapstructure:"embedding"`
		LLM       ServiceConfig `mapstructure:"llm"`
	} `mapstructure:"services"`
}

// Validate performs configuration validation and sets defaults.
func (c *Config) Validate() error {
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking config: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval config: %w", err)
	}
	return nil
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("%w: %v", ErrConfigNotFound, err)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults configures sensible default values.
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8080")

	// Document defaults
	viper.SetDefault("document.path", "document.pdf")
	viper.SetDefault("document.snapshot_path", "vector-store.json")

	// Evaluation defaults
	viper.SetDefault("evaluation.test_set_path", "test-set.json")
	viper.SetDefault("evaluation.report_path", "evaluation_report.md")
	viper.SetDefault("evaluation.history_dir", "evaluation-history")

	// Chunking defaults
	viper.SetDefault("chunking.max_chunk_size", 1200)
	viper.SetDefault("chunking.min_chunk_size", 400)
	viper.SetDefault("chunking.child_size", 150)
	viper.SetDefault("chunking.child_overlap", 30)
	viper.SetDefault("chunking.breakpoint_threshold", 0.7)
	viper.SetDefault("chunking.hard_threshold", 0.56)

	// Retrieval defaults
	viper.SetDefault("retrieval.hyde", true)
	viper.SetDefault("retrieval.stepback", true)
	viper.SetDefault("retrieval.rerank", true)
	viper.SetDefault("retrieval.hybrid_search", true)
	viper.SetDefault("retrieval.rrf_k", 60)
	viper.SetDefault("retrieval.candidates", 20)
	viper.SetDefault("retrieval.top_parents", 5)
}

// MustLoadConfig loads configuration and panics on failure.
// Use this only in main() where failure should be fatal.
func MustLoadConfig(configPath string) *Config {
	config, err := LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return config
}
