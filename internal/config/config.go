package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the backend setting
const (
	BackendMoondream = "moondream"
	BackendOllama    = "ollama"
	BackendLlamaCpp  = "llamacpp"
	BackendGemini    = "gemini"
)

// DefaultOllamaModel is used by the ollama backend when no model is set
const DefaultOllamaModel = "openbmb/minicpm-v4.5"

// EnvPrefix prefixes every environment override, e.g. AUTOANNOTATE_BACKEND
const EnvPrefix = "AUTOANNOTATE"

// Config holds the application configuration
type Config struct {
	Backend  string        `mapstructure:"backend"`
	URL      string        `mapstructure:"url"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	LogLevel string        `mapstructure:"log_level"`
	Encode   EncodeConfig  `mapstructure:"encode"`
	Labels   LabelsConfig  `mapstructure:"labels"`
	Dataset  DatasetConfig `mapstructure:"dataset"`
}

// EncodeConfig controls how images are sent to the model
type EncodeConfig struct {
	Format  string `mapstructure:"format"`
	MaxDim  int    `mapstructure:"max_dim"`
	Quality int    `mapstructure:"quality"`
}

// LabelsConfig holds label file settings
type LabelsConfig struct {
	Normalize bool `mapstructure:"normalize"`
}

// DatasetConfig holds data.yaml settings
type DatasetConfig struct {
	ClassName       string `mapstructure:"class_name"`
	WriteDescriptor bool   `mapstructure:"write_descriptor"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Backend:  BackendMoondream,
		Timeout:  300 * time.Second,
		LogLevel: "info",
		Encode: EncodeConfig{
			Format:  "jpg",
			MaxDim:  1536,
			Quality: 85,
		},
		Dataset: DatasetConfig{
			WriteDescriptor: true,
		},
	}
}

// SetDefaults registers Default() values on v
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("backend", d.Backend)
	v.SetDefault("url", d.URL)
	v.SetDefault("model", d.Model)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("encode.format", d.Encode.Format)
	v.SetDefault("encode.max_dim", d.Encode.MaxDim)
	v.SetDefault("encode.quality", d.Encode.Quality)
	v.SetDefault("labels.normalize", d.Labels.Normalize)
	v.SetDefault("dataset.class_name", d.Dataset.ClassName)
	v.SetDefault("dataset.write_descriptor", d.Dataset.WriteDescriptor)
}

// envBinding maps a config key to extra, unprefixed environment variables
type envBinding struct {
	ConfigKey string
	EnvVars   []string
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"url", []string{EnvPrefix + "_URL", "OLLAMA_URL"}},
		{"api_key", []string{EnvPrefix + "_API_KEY", "MOONDREAM_API_KEY", "GEMINI_API_KEY"}},
	}
}

// Load builds the configuration from defaults, the optional config file at
// path, the environment and any flags already bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, b := range getEnvBindings() {
		args := append([]string{b.ConfigKey}, b.EnvVars...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", b.ConfigKey, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	cfg.Encode.Format = strings.ToLower(cfg.Encode.Format)
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMoondream, BackendOllama, BackendLlamaCpp, BackendGemini:
	default:
		return fmt.Errorf("backend must be one of moondream, ollama, llamacpp, gemini (got %q)", c.Backend)
	}

	if c.Backend == BackendGemini && c.APIKey == "" {
		return fmt.Errorf("api_key is required for the gemini backend")
	}

	switch c.Encode.Format {
	case "jpg", "jpeg", "png":
	default:
		return fmt.Errorf("encode.format must be jpg or png (got %q)", c.Encode.Format)
	}

	if c.Encode.Quality < 1 || c.Encode.Quality > 100 {
		return fmt.Errorf("encode.quality must be between 1 and 100")
	}

	if c.Encode.MaxDim < 0 {
		return fmt.Errorf("encode.max_dim cannot be negative")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// ModelName returns the configured model or the backend's default
func (c *Config) ModelName() string {
	if c.Model != "" {
		return c.Model
	}
	if c.Backend == BackendOllama {
		return DefaultOllamaModel
	}
	return ""
}

// ParseLogLevel maps debug, info, warn or error to a slog level
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./auto-annotate.yaml"
	}
	return filepath.Join(home, ".config", "auto-annotate", "config.yaml")
}
