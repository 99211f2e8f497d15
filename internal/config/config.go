// Package config loads hyperdoc settings.
//
// Sources are layered lowest to highest: built-in defaults, an optional
// config file (YAML, TOML or JSON by extension), HYPERDOC_* environment
// variables (HYPERDOC_LOG_LEVEL for log.level), then explicit overrides
// from command flags. The merged result is checked against an embedded
// CUE schema.
package config

import (
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HYPERDOC"

//go:embed schema.cue
var schemaSource string

// Log configures logger output.
type Log struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"`
	File       string `mapstructure:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
}

// Config is the complete runtime configuration.
type Config struct {
	DataDir                string        `mapstructure:"data_dir" json:"data_dir"`
	Database               string        `mapstructure:"database" json:"database"`
	Listen                 string        `mapstructure:"listen" json:"listen"`
	Peers                  []string      `mapstructure:"peers" json:"peers"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatTimeoutFactor int           `mapstructure:"heartbeat_timeout_factor" json:"heartbeat_timeout_factor"`
	Log                    Log           `mapstructure:"log" json:"log"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".hyperdoc")
	v.SetDefault("database", "")
	v.SetDefault("listen", "")
	v.SetDefault("peers", []string{})
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("heartbeat_timeout_factor", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads configuration from path (optional) and the environment, then
// applies overrides keyed by setting name ("database", "log.level").
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve fills settings derived from other settings.
func (c *Config) resolve() {
	if c.Database == "" && c.DataDir != "" {
		c.Database = filepath.Join(c.DataDir, "hyperdoc.db")
	}
	if c.Peers == nil {
		c.Peers = []string{}
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Validate checks the configuration against the #Config schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	cp := *c
	if cp.Peers == nil {
		cp.Peers = []string{}
	}
	value := schema.Unify(ctx.Encode(cp))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}
