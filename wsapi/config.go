package wsapi

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "treadmill.yaml"
	homeConfigDir     = ".treadmill"
	homeConfigName    = "config.yaml"
)

// Config is the server process configuration loaded from treadmill.yaml.
type Config struct {
	// Root is the state tree the hub watches. Required.
	Root string `yaml:"root"`

	// Listen is the websocket listen address (default ":8080").
	Listen string `yaml:"listen"`

	// SowDB is the historical store path, relative to Root when not
	// absolute (default "sow.db").
	SowDB string `yaml:"sow_db"`

	// Archive configures the scheduled move of aged records into the
	// historical store. An empty schedule disables it.
	Archive ArchiveConfig `yaml:"archive"`

	// OTLPEndpoint enables trace export when set (host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// ArchiveConfig configures the archival schedule.
type ArchiveConfig struct {
	// Schedule is a cron expression.
	Schedule string `yaml:"schedule"`

	// Directories lists the root-relative directories to archive.
	Directories []string `yaml:"directories"`

	// OlderThanSeconds is the minimum file age before archival
	// (default 1h).
	OlderThanSeconds int64 `yaml:"older_than_seconds"`
}

// OlderThan returns the configured minimum file age as a duration.
func (c ArchiveConfig) OlderThan() time.Duration {
	return time.Duration(c.OlderThanSeconds) * time.Second
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("wsapi: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("wsapi: parse config: %w", err)
	}
	if cfg.Root == "" {
		return Config{}, errors.New("wsapi: config missing root")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.SowDB == "" {
		cfg.SowDB = "sow.db"
	}
	if !filepath.IsAbs(cfg.SowDB) {
		cfg.SowDB = filepath.Join(cfg.Root, cfg.SowDB)
	}
	return cfg, nil
}

// DiscoverConfigPath resolves the config location with first-match
// semantics: the explicit path, treadmill.yaml in the working directory,
// then ~/.treadmill/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("wsapi: resolve working directory: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("wsapi: resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, home)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, home string) (string, bool, error) {
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		path := filepath.Clean(clean)
		if _, err := os.Stat(path); err != nil {
			return "", false, fmt.Errorf("wsapi: config %s: %w", path, err)
		}
		return path, true, nil
	}

	candidates := []string{
		filepath.Join(cwd, projectConfigName),
		filepath.Join(home, homeConfigDir, homeConfigName),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, true, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", false, fmt.Errorf("wsapi: config %s: %w", path, err)
		}
	}
	return "", false, nil
}
