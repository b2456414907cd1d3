package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Paths
	InstallRoot string `mapstructure:"install-root"`
	StateDir    string `mapstructure:"state-dir"`

	// Release source
	Repo        string   `mapstructure:"repo"`
	APIBase     string   `mapstructure:"api-base"`
	GitHubToken string   `mapstructure:"github-token"`
	AssetSuffix string   `mapstructure:"asset-suffix"`
	AssetMirror string   `mapstructure:"asset-mirror"`
	S3Region    string   `mapstructure:"s3-region"`
	ProbeHosts  []string `mapstructure:"probe-hosts"`

	// Timeouts
	ProbeTimeout time.Duration `mapstructure:"probe-timeout"`
	HTTPTimeout  time.Duration `mapstructure:"http-timeout"`

	// Install layout
	Launcher           string   `mapstructure:"launcher"`
	ExecutableSuffixes []string `mapstructure:"executable-suffixes"`
	VersionFile        string   `mapstructure:"version-file"`
	DefaultVersion     string   `mapstructure:"default-version"`
	Preserve           []string `mapstructure:"preserve"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`
	MaxReleaseNotes     int     `mapstructure:"max-release-notes"`

	// History
	HistoryKeep int `mapstructure:"history-keep"`

	// Logging
	LogFormat string `mapstructure:"log-format"`
	LogLevel  string `mapstructure:"log-level"`
}

// DefaultVersion is the fallback installed version when the install root
// carries no version marker.
var DefaultVersion = "0.0.0"

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("install-root", ".")
	v.SetDefault("state-dir", "")
	v.SetDefault("repo", "")
	v.SetDefault("api-base", "https://api.github.com")
	v.SetDefault("github-token", "")
	v.SetDefault("asset-suffix", ".zip")
	v.SetDefault("asset-mirror", "")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("probe-hosts", []string{"api.github.com:443", "1.1.1.1:443"})
	v.SetDefault("probe-timeout", 3*time.Second)
	v.SetDefault("http-timeout", 60*time.Second)
	v.SetDefault("launcher", "launch.sh")
	v.SetDefault("executable-suffixes", []string{".sh", ".elf", ".bin"})
	v.SetDefault("version-file", "version.txt")
	v.SetDefault("default-version", DefaultVersion)
	v.SetDefault("preserve", []string{})
	v.SetDefault("max-file-size", int64(512*1024*1024))
	v.SetDefault("max-total-size", int64(4*1024*1024*1024))
	v.SetDefault("max-compression-ratio", 200.0)
	v.SetDefault("max-release-notes", 4096)
	v.SetDefault("history-keep", 100)
	v.SetDefault("log-format", "text")
	v.SetDefault("log-level", "info")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration through v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (PKGUPDATE_INSTALL_ROOT, etc.)
	v.SetEnvPrefix("PKGUPDATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pkgupdate")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.InstallRoot == "" {
		return fmt.Errorf("install-root cannot be empty")
	}
	parts := strings.Split(c.Repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("repo must be owner/name, got %q", c.Repo)
	}
	if c.AssetSuffix == "" {
		return fmt.Errorf("asset-suffix cannot be empty")
	}
	if c.AssetMirror != "" && !strings.HasPrefix(c.AssetMirror, "s3://") &&
		!strings.HasPrefix(c.AssetMirror, "https://") && !strings.HasPrefix(c.AssetMirror, "http://") {
		return fmt.Errorf("asset-mirror must be an s3:// or http(s):// URL")
	}
	if len(c.ProbeHosts) == 0 {
		return fmt.Errorf("probe-hosts cannot be empty")
	}
	if c.ProbeTimeout <= 0 || c.HTTPTimeout <= 0 {
		return fmt.Errorf("probe-timeout and http-timeout must be positive")
	}
	if c.Launcher == "" || filepath.IsAbs(c.Launcher) {
		return fmt.Errorf("launcher must be a relative path")
	}
	if c.VersionFile == "" || filepath.IsAbs(c.VersionFile) || strings.Contains(c.VersionFile, "..") {
		return fmt.Errorf("version-file must be a relative path inside the install root")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.MaxReleaseNotes <= 0 {
		return fmt.Errorf("max-release-notes must be positive")
	}
	switch c.LogFormat {
	case "text", "json", "pretty":
	default:
		return fmt.Errorf("log-format must be text, json or pretty")
	}
	return nil
}
