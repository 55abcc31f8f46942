// Package config loads service configuration from the JSON file named by
// $MOLTBOT_CONFIG (default ./config.json), with environment-variable
// overrides under the MOLTBOT_ prefix, and supports a SIGHUP-triggered
// reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Webhook is one statically configured webhook registration.
type Webhook struct {
	URL    string   `mapstructure:"url" json:"url"`
	Events []string `mapstructure:"events" json:"events"`
}

// ModelConfig is one statically configured model registration.
type ModelConfig struct {
	ProviderTag  string  `mapstructure:"provider_tag" json:"provider_tag"`
	BaseURL      string  `mapstructure:"base_url" json:"base_url"`
	Credentials  string  `mapstructure:"credentials" json:"credentials"`
	Weight       float64 `mapstructure:"weight" json:"weight"`
	CostPerToken float64 `mapstructure:"cost_per_token" json:"cost_per_token"`
	MaxTokens    int     `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature  float64 `mapstructure:"temperature" json:"temperature"`
}

// Config is the full set of recognised options.
type Config struct {
	AppName                string                 `mapstructure:"app_name"`
	Debug                  bool                   `mapstructure:"debug"`
	MaxConcurrentTasks     int                    `mapstructure:"max_concurrent_tasks"`
	MaxQueuedTasks         int                    `mapstructure:"max_queued_tasks"`
	MaxWorkers             int                    `mapstructure:"max_workers"`
	TaskTimeoutSeconds     int                    `mapstructure:"task_timeout"`
	RetryTimes             int                    `mapstructure:"retry_times"`
	ModelSelectionStrategy string                 `mapstructure:"model_selection_strategy"`
	DefaultModel           string                 `mapstructure:"default_model"`
	LogLevel               string                 `mapstructure:"log_level"`
	APIHost                string                 `mapstructure:"api_host"`
	APIPort                int                    `mapstructure:"api_port"`
	Models                 map[string]ModelConfig `mapstructure:"models"`
	Webhooks               map[string]Webhook     `mapstructure:"webhooks"`
}

func defaults() Config {
	return Config{
		AppName:                "moltbot",
		MaxConcurrentTasks:     10,
		MaxWorkers:             10,
		TaskTimeoutSeconds:     60,
		RetryTimes:             3,
		ModelSelectionStrategy: "availability",
		LogLevel:               "info",
		APIHost:                "0.0.0.0",
		APIPort:                8080,
		Models:                 map[string]ModelConfig{},
		Webhooks:               map[string]Webhook{},
	}
}

// Loader loads Config from disk and supports a safe concurrent Reload.
type Loader struct {
	mu  sync.RWMutex
	v   *viper.Viper
	cur Config
}

// Load reads the configuration file named by $MOLTBOT_CONFIG, defaulting
// to ./config.json, layering environment-variable overrides under the
// MOLTBOT_ prefix on top.
func Load() (*Loader, error) {
	path := os.Getenv("MOLTBOT_CONFIG")
	if path == "" {
		path = "./config.json"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("MOLTBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaults()
	v.SetDefault("app_name", def.AppName)
	v.SetDefault("max_concurrent_tasks", def.MaxConcurrentTasks)
	v.SetDefault("max_workers", def.MaxWorkers)
	v.SetDefault("task_timeout", def.TaskTimeoutSeconds)
	v.SetDefault("retry_times", def.RetryTimes)
	v.SetDefault("model_selection_strategy", def.ModelSelectionStrategy)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("api_host", def.APIHost)
	v.SetDefault("api_port", def.APIPort)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	l := &Loader{v: v}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) reload() error {
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	l.mu.Lock()
	l.cur = c
	l.mu.Unlock()
	return nil
}

// Reload re-reads the configuration file in place, used by the serve
// command's SIGHUP handler.
func (l *Loader) Reload() error {
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reload: %w", err)
	}
	return l.reload()
}

// Current returns a copy of the most recently loaded configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}
