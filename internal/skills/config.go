package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the configuration surface recognized by the Manager, loadable
// from a YAML file with environment variable overrides (prefix SMC_).
type Config struct {
	StorageDir         string `mapstructure:"storage_dir" yaml:"storage_dir"`
	AutoSync           bool   `mapstructure:"auto_sync" yaml:"auto_sync"`
	EmbeddingDim       int    `mapstructure:"embedding_dim" yaml:"embedding_dim"`
	MaxElements        int    `mapstructure:"max_elements" yaml:"max_elements"`
	EfConstruction     int    `mapstructure:"ef_construction" yaml:"ef_construction"`
	M                  int    `mapstructure:"m" yaml:"m"`
	EfSearch           int    `mapstructure:"ef_search" yaml:"ef_search"`
	HistoryTailDefault int    `mapstructure:"history_tail_default" yaml:"history_tail_default"`

	Ambient AmbientConfig `mapstructure:"ambient" yaml:"ambient"`
}

// AmbientConfig covers logging and maintenance scheduling: operational
// concerns every host deployment of this module carries regardless of
// which skill-management features it exercises.
type AmbientConfig struct {
	LogLevel        string `mapstructure:"log_level" yaml:"log_level"`
	MaintenanceCron string `mapstructure:"maintenance_cron" yaml:"maintenance_cron,omitempty"`
}

// Default returns the configuration surface's documented defaults.
func Default(storageDir string) *Config {
	return &Config{
		StorageDir:         storageDir,
		AutoSync:           true,
		EmbeddingDim:       384,
		MaxElements:        10000,
		EfConstruction:     200,
		M:                  16,
		EfSearch:           50,
		HistoryTailDefault: 100,
		Ambient: AmbientConfig{
			LogLevel: "info",
		},
	}
}

// LoadConfig reads configuration from path (YAML), merging in environment
// variable overrides (SMC_STORAGE_DIR, SMC_AUTO_SYNC, ...) and falling back
// to documented defaults for anything unset. If path does not exist, the
// defaults for storageDir are returned without error.
func LoadConfig(path, storageDir string) (*Config, error) {
	v := viper.New()
	defaults := Default(storageDir)
	v.SetDefault("storage_dir", defaults.StorageDir)
	v.SetDefault("auto_sync", defaults.AutoSync)
	v.SetDefault("embedding_dim", defaults.EmbeddingDim)
	v.SetDefault("max_elements", defaults.MaxElements)
	v.SetDefault("ef_construction", defaults.EfConstruction)
	v.SetDefault("m", defaults.M)
	v.SetDefault("ef_search", defaults.EfSearch)
	v.SetDefault("history_tail_default", defaults.HistoryTailDefault)
	v.SetDefault("ambient.log_level", defaults.Ambient.LogLevel)

	v.SetEnvPrefix("SMC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.StorageDir == "" {
		cfg.StorageDir = storageDir
	}
	cfg.StorageDir = expandPath(cfg.StorageDir)

	return &cfg, nil
}

// Validate checks that required fields are present and sane.
func (c *Config) Validate() error {
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir is required")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive")
	}
	if c.MaxElements <= 0 {
		return fmt.Errorf("max_elements must be positive")
	}
	return nil
}

func expandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
