package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "~/.config/ekos-lightbucket/config.json"
	envPrefix         = "LIGHTBUCKET"
)

// Config holds user-editable settings for the uploader.
type Config struct {
	Service Service `json:"service" mapstructure:"service" yaml:"service"`
	Worker  Worker  `json:"worker" mapstructure:"worker" yaml:"worker"`
	Preview Preview `json:"preview" mapstructure:"preview" yaml:"preview"`
	Capture Capture `json:"capture" mapstructure:"capture" yaml:"capture"`
	Logging Logging `json:"logging" mapstructure:"logging" yaml:"logging"`
	Paths   Paths   `json:"paths" mapstructure:"paths" yaml:"paths"`
	Server  Server  `json:"server" mapstructure:"server" yaml:"server"`
}

// Service describes the remote endpoint.
type Service struct {
	BaseURL  string        `json:"base_url" mapstructure:"base_url" yaml:"base_url"`
	Endpoint string        `json:"endpoint" mapstructure:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
	// RateLimit caps uploads per minute; 0 is unlimited.
	RateLimit int `json:"rate_limit" mapstructure:"rate_limit" yaml:"rate_limit"`
}

type Worker struct {
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval" yaml:"poll_interval"`
}

// Preview controls thumbnail generation.
type Preview struct {
	Backend    string `json:"backend" mapstructure:"backend" yaml:"backend"` // native, imagick
	Width      int    `json:"width" mapstructure:"width" yaml:"width"`       // long axis in pixels
	Quality    int    `json:"quality" mapstructure:"quality" yaml:"quality"`
	MedianBlur int    `json:"median_blur" mapstructure:"median_blur" yaml:"median_blur"` // odd kernel, 0 disables
}

// Capture selects event sources.
type Capture struct {
	DBus         bool          `json:"dbus" mapstructure:"dbus" yaml:"dbus"`
	WatchDirs    []string      `json:"watch_dirs" mapstructure:"watch_dirs" yaml:"watch_dirs"`
	PreviewPaths []string      `json:"preview_paths" mapstructure:"preview_paths" yaml:"preview_paths"`
	SettleDelay  time.Duration `json:"settle_delay" mapstructure:"settle_delay" yaml:"settle_delay"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" mapstructure:"level" yaml:"level"`    // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format" yaml:"format"` // text, json
	FileOutput bool   `json:"file_output" mapstructure:"file_output" yaml:"file_output"`
	LogDir     string `json:"log_dir" mapstructure:"log_dir" yaml:"log_dir"`
}

type Paths struct {
	DatabasePath    string `json:"database_path" mapstructure:"database_path" yaml:"database_path"`
	CredentialsFile string `json:"credentials_file" mapstructure:"credentials_file" yaml:"credentials_file"`
}

// Server holds listen addresses; empty disables the listener.
type Server struct {
	HTTPAddr string `json:"http_addr" mapstructure:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" mapstructure:"grpc_addr" yaml:"grpc_addr"`
}

// Load reads configuration from LIGHTBUCKET_CONFIG or the default location,
// falling back to defaults when the file does not exist. LIGHTBUCKET_*
// environment variables override file values, e.g. LIGHTBUCKET_SERVICE_BASE_URL.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// Path returns the configuration file Load reads, before ~ expansion.
func Path() string {
	if p := os.Getenv(envPrefix + "_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, defaultConfig())
	v.SetConfigFile(expanded)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", expanded, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	for _, p := range []*string{&cfg.Logging.LogDir, &cfg.Paths.DatabasePath, &cfg.Paths.CredentialsFile} {
		if *p, err = expandUser(*p); err != nil {
			return nil, err
		}
	}
	for i, d := range cfg.Capture.WatchDirs {
		if cfg.Capture.WatchDirs[i], err = expandUser(d); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("service.base_url", d.Service.BaseURL)
	v.SetDefault("service.endpoint", d.Service.Endpoint)
	v.SetDefault("service.timeout", d.Service.Timeout)
	v.SetDefault("service.rate_limit", d.Service.RateLimit)
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
	v.SetDefault("preview.backend", d.Preview.Backend)
	v.SetDefault("preview.width", d.Preview.Width)
	v.SetDefault("preview.quality", d.Preview.Quality)
	v.SetDefault("preview.median_blur", d.Preview.MedianBlur)
	v.SetDefault("capture.dbus", d.Capture.DBus)
	v.SetDefault("capture.watch_dirs", d.Capture.WatchDirs)
	v.SetDefault("capture.preview_paths", d.Capture.PreviewPaths)
	v.SetDefault("capture.settle_delay", d.Capture.SettleDelay)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file_output", d.Logging.FileOutput)
	v.SetDefault("logging.log_dir", d.Logging.LogDir)
	v.SetDefault("paths.database_path", d.Paths.DatabasePath)
	v.SetDefault("paths.credentials_file", d.Paths.CredentialsFile)
	v.SetDefault("server.http_addr", d.Server.HTTPAddr)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
}

func defaultConfig() *Config {
	return &Config{
		Service: Service{
			BaseURL:  "https://app.lightbucket.co",
			Endpoint: "/api/image_capture_complete",
			Timeout:  60 * time.Second,
		},
		Worker: Worker{PollInterval: 100 * time.Millisecond},
		Preview: Preview{
			Backend: "native",
			Width:   300,
			Quality: 70,
		},
		Capture: Capture{
			DBus:         true,
			WatchDirs:    []string{},
			PreviewPaths: []string{"/tmp/image.fits"},
			SettleDelay:  2 * time.Second,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "~/.local/state/ekos-lightbucket/logs",
		},
		Paths: Paths{
			DatabasePath:    "~/.config/ekos-lightbucket/history.db",
			CredentialsFile: "~/.config/ekos-lightbucket/credentials.env",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
