package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

var ErrMissingRequiredEnv = errors.New("missing required environment variable")

// ServerConfig configures the example server binary. Values come from an
// optional YAML file, overridden by CTPROTO_* environment variables.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Path        string `yaml:"path"`
	LogDir      string `yaml:"log_dir"`
	LogLevel    string `yaml:"log_level"`
	DisableLogs bool   `yaml:"disable_logs"`
	MetricsPort int    `yaml:"metrics_port"`
	JWTSecret   string `yaml:"jwt_secret"`
	UploadDir   string `yaml:"upload_dir"`
}

// ClientConfig configures the example client binary.
type ClientConfig struct {
	APIURL      string `yaml:"api_url"`
	Token       string `yaml:"token"`
	LogLevel    string `yaml:"log_level"`
	DisableLogs bool   `yaml:"disable_logs"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := ServerConfig{
		Host:        "localhost",
		Port:        8080,
		Path:        "/",
		LogLevel:    "info",
		MetricsPort: 9090,
		UploadDir:   "uploads",
	}

	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return ServerConfig{}, err
		}
	}

	cfg.Host = getEnv("CTPROTO_HOST", cfg.Host)
	cfg.Port = getIntEnv("CTPROTO_PORT", cfg.Port)
	cfg.Path = getEnv("CTPROTO_PATH", cfg.Path)
	cfg.LogDir = getEnv("CTPROTO_LOG_DIR", cfg.LogDir)
	cfg.LogLevel = getEnv("CTPROTO_LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsPort = getIntEnv("CTPROTO_METRICS_PORT", cfg.MetricsPort)
	cfg.JWTSecret = getEnv("CTPROTO_JWT_SECRET", cfg.JWTSecret)
	cfg.UploadDir = getEnv("CTPROTO_UPLOAD_DIR", cfg.UploadDir)

	if cfg.JWTSecret == "" {
		return ServerConfig{}, fmt.Errorf("%w: CTPROTO_JWT_SECRET", ErrMissingRequiredEnv)
	}

	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := ClientConfig{
		APIURL:   "ws://localhost:8080/",
		LogLevel: "info",
	}

	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return ClientConfig{}, err
		}
	}

	cfg.APIURL = getEnv("CTPROTO_API_URL", cfg.APIURL)
	cfg.Token = getEnv("CTPROTO_TOKEN", cfg.Token)
	cfg.LogLevel = getEnv("CTPROTO_LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
