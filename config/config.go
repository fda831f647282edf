package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the configuration implementation.
type Config struct {
	AppName  string
	RunMode  string
	Host     string
	Port     int
	Logger   *Logger
	Jobs     *Jobs
	Viper    *viper.Viper
	onReload []func(*Config)
}

// Load reads the configuration from the given path, falling back to the
// working directory and $HOME/.convcore when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".convcore"))
		}
	}

	v.SetEnvPrefix("convcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			// No file is fine, env and defaults still apply.
		} else {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}

	cfg := fromViper(v)
	return cfg, nil
}

// fromViper builds the config tree from a viper instance.
func fromViper(v *viper.Viper) *Config {
	return &Config{
		AppName: getStringOrDefault(v, "app_name", "convcore"),
		RunMode: getStringOrDefault(v, "run_mode", "release"),
		Host:    getStringOrDefault(v, "server.host", "127.0.0.1"),
		Port:    getIntOrDefault(v, "server.port", 8100),
		Logger:  getLoggerConfig(v),
		Jobs:    getJobsConfig(v),
		Viper:   v,
	}
}

// OnReload registers a callback invoked after the config file changes on disk.
func (c *Config) OnReload(fn func(*Config)) {
	c.onReload = append(c.onReload, fn)
}

// Watch starts watching the config file for changes. Reloadable fields
// (currently the logger section) are re-read in place; structural fields
// such as the worker pool size require a restart.
func (c *Config) Watch() {
	c.Viper.OnConfigChange(func(_ fsnotify.Event) {
		next := fromViper(c.Viper)
		c.Logger = next.Logger
		for _, fn := range c.onReload {
			fn(c)
		}
	})
	c.Viper.WatchConfig()
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
