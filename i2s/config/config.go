package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/img2selfies/i2s"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Assets   AssetsConfig   `mapstructure:"assets"`
	Weights  WeightsConfig  `mapstructure:"weights"`
	Backbone BackboneConfig `mapstructure:"backbone"`
	Image    ImageConfig    `mapstructure:"image"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// AssetsConfig locates tokenizer and max-length files.
type AssetsConfig struct {
	Root    string `mapstructure:"root"`
	ModelID string `mapstructure:"modelId"`
}

// WeightsConfig controls the trained-model download.
type WeightsConfig struct {
	URL       string `mapstructure:"url"`
	Dir       string `mapstructure:"dir"`
	Extractor string `mapstructure:"extractor"`
	Verbose   bool   `mapstructure:"verbose"`
}

// BackboneConfig stores ONNX Runtime settings for the image encoder.
type BackboneConfig struct {
	ModelPath         string `mapstructure:"modelPath"`
	ExecutionProvider string `mapstructure:"executionProvider"`
	DeviceID          int    `mapstructure:"deviceId"`
	LibraryPath       string `mapstructure:"libraryPath"`
}

// ImageConfig stores preprocessing settings.
type ImageConfig struct {
	Formats []string `mapstructure:"formats"`
	Workers int      `mapstructure:"workers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Extractor names accepted by weights.extractor.
const (
	ExtractorUnzip = "unzip"
	ExtractorZip   = "zip"
)

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
// Environment variables are prefixed with I2S_, so weights.url becomes
// I2S_WEIGHTS_URL.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("/etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("assets.root", internal.DefaultAssetsRoot)
	v.SetDefault("assets.modelId", internal.DefaultModelID)
	v.SetDefault("weights.url", "")
	v.SetDefault("weights.dir", internal.DefaultCacheDir)
	v.SetDefault("weights.extractor", ExtractorUnzip)
	v.SetDefault("weights.verbose", true)
	v.SetDefault("backbone.modelPath", filepath.Join(internal.DefaultCacheDir, internal.DefaultBackboneFile))
	v.SetDefault("backbone.executionProvider", "cpu")
	v.SetDefault("backbone.deviceId", 0)
	v.SetDefault("backbone.libraryPath", "")
	v.SetDefault("image.formats", []string{"png"})
	v.SetDefault("image.workers", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.enabled", false)

	v.SetEnvPrefix(internal.DefaultAppName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

// Validate checks values viper cannot type-check on its own.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Weights.Extractor) {
	case ExtractorUnzip, ExtractorZip:
	default:
		return fmt.Errorf("weights.extractor must be %q or %q, got %q", ExtractorUnzip, ExtractorZip, c.Weights.Extractor)
	}
	if c.Image.Workers < 1 {
		return fmt.Errorf("image.workers must be positive, got %d", c.Image.Workers)
	}
	if len(c.Image.Formats) == 0 {
		return fmt.Errorf("image.formats cannot be empty")
	}
	return nil
}
