package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goSession "github.com/MrEthical07/goSession"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// cliConfig is the file/env/flag view of goSession.Config plus CLI-only settings.
type cliConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	LogLevel string        `mapstructure:"log_level"`
	Audit    bool          `mapstructure:"audit"`

	Endpoints struct {
		Login          string `mapstructure:"login"`
		Register       string `mapstructure:"register"`
		Refresh        string `mapstructure:"refresh"`
		Profile        string `mapstructure:"profile"`
		ChangePassword string `mapstructure:"change_password"`
		RefreshField   string `mapstructure:"refresh_field"`
	} `mapstructure:"endpoints"`

	Store struct {
		Backend   string        `mapstructure:"backend"`
		Path      string        `mapstructure:"path"`
		RedisAddr string        `mapstructure:"redis_addr"`
		Prefix    string        `mapstructure:"prefix"`
		Namespace string        `mapstructure:"namespace"`
		TTL       time.Duration `mapstructure:"ttl"`
	} `mapstructure:"store"`
}

// newViper returns a viper instance reading GOSESSION_* variables, with every key
// defaulted so that AutomaticEnv can see it.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("GOSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := goSession.DefaultConfig()
	v.SetDefault("base_url", "")
	v.SetDefault("timeout", d.HTTP.Timeout)
	v.SetDefault("log_level", "warn")
	v.SetDefault("audit", false)
	v.SetDefault("endpoints.login", d.Endpoints.Login)
	v.SetDefault("endpoints.register", d.Endpoints.Register)
	v.SetDefault("endpoints.refresh", d.Endpoints.Refresh)
	v.SetDefault("endpoints.profile", d.Endpoints.Profile)
	v.SetDefault("endpoints.change_password", d.Endpoints.ChangePassword)
	v.SetDefault("endpoints.refresh_field", d.Endpoints.RefreshField)
	v.SetDefault("store.backend", string(goSession.StoreFile))
	v.SetDefault("store.path", defaultSessionPath())
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.prefix", d.Store.RedisPrefix)
	v.SetDefault("store.namespace", d.Store.RedisNamespace)
	v.SetDefault("store.ttl", d.Store.RedisTTL)
	return v
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "gosession", "session.json")
}

// bindFlags maps persistent flags onto config keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, flag := range map[string]string{
		"base_url":         "base-url",
		"timeout":          "timeout",
		"log_level":        "log-level",
		"audit":            "audit",
		"store.backend":    "store",
		"store.path":       "store-path",
		"store.redis_addr": "redis-addr",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// loadConfig reads the optional config file and decodes the merged settings.
func loadConfig(v *viper.Viper, path string) (cliConfig, error) {
	var cfg cliConfig
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// sessionConfig converts the CLI view into a validated goSession.Config.
func (c cliConfig) sessionConfig() (goSession.Config, error) {
	cfg := goSession.DefaultConfig()
	cfg.HTTP.BaseURL = c.BaseURL
	cfg.HTTP.Timeout = c.Timeout
	cfg.HTTP.UserAgent = "gosession-cli/" + version
	cfg.Endpoints.Login = c.Endpoints.Login
	cfg.Endpoints.Register = c.Endpoints.Register
	cfg.Endpoints.Refresh = c.Endpoints.Refresh
	cfg.Endpoints.Profile = c.Endpoints.Profile
	cfg.Endpoints.ChangePassword = c.Endpoints.ChangePassword
	cfg.Endpoints.RefreshField = c.Endpoints.RefreshField
	cfg.Store.Backend = goSession.StoreBackend(strings.ToLower(c.Store.Backend))
	cfg.Store.FilePath = c.Store.Path
	cfg.Store.RedisPrefix = c.Store.Prefix
	cfg.Store.RedisNamespace = c.Store.Namespace
	cfg.Store.RedisTTL = c.Store.TTL
	cfg.Audit.Enabled = c.Audit

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
