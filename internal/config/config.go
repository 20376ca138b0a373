// Package config loads file and environment configuration for the server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "CREWSIM"

// Config is the full server configuration.
type Config struct {
	Listen   string         `mapstructure:"listen"`
	Sim      SimConfig      `mapstructure:"sim"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

// SimConfig tunes the world and tick loop.
type SimConfig struct {
	TickIntervalMillis int     `mapstructure:"tick_interval_millis"`
	Agents             int     `mapstructure:"agents"`
	KeyframeInterval   int     `mapstructure:"keyframe_interval"`
	Epsilon            float64 `mapstructure:"epsilon"`
	DecisionSeconds    float64 `mapstructure:"decision_seconds"`
}

// QueueConfig tunes the inference request queue.
type QueueConfig struct {
	TimeoutMillis    int `mapstructure:"timeout_millis"`
	RetentionSeconds int `mapstructure:"retention_seconds"`
}

// ThrottleConfig tunes the thinking-coefficient estimator. Reloadable at
// runtime through the watcher.
type ThrottleConfig struct {
	CeilingTokensPerSecond float64 `mapstructure:"ceiling_tokens_per_second"`
	TargetUtilization      float64 `mapstructure:"target_utilization"`
	MinCoefficient         float64 `mapstructure:"min_coefficient"`
	MaxCoefficient         float64 `mapstructure:"max_coefficient"`
}

// JournalConfig controls job persistence. An empty path disables it.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig tunes the logging router.
type LogConfig struct {
	Sinks []string `mapstructure:"sinks"`
	Level string   `mapstructure:"level"`
	JSON  bool     `mapstructure:"json"`
}

// HTTPConfig tunes the HTTP surface.
type HTTPConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	EnablePprof    bool     `mapstructure:"enable_pprof"`
}

// Default returns the configuration the server ships with.
func Default() Config {
	return Config{
		Listen: ":8080",
		Sim: SimConfig{
			TickIntervalMillis: 66,
			Agents:             6,
			KeyframeInterval:   60,
			Epsilon:            0.01,
			DecisionSeconds:    6,
		},
		Queue: QueueConfig{
			TimeoutMillis:    800,
			RetentionSeconds: 300,
		},
		Throttle: ThrottleConfig{
			CeilingTokensPerSecond: 400,
			TargetUtilization:      0.7,
			MinCoefficient:         0.25,
			MaxCoefficient:         2.0,
		},
		Log: LogConfig{
			Sinks: []string{"console"},
			Level: "info",
		},
	}
}

// Load reads configuration from the given file path plus CREWSIM_* env vars.
// A missing file is not an error; defaults and env still apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("listen", cfg.Listen)

	v.SetDefault("sim.tick_interval_millis", cfg.Sim.TickIntervalMillis)
	v.SetDefault("sim.agents", cfg.Sim.Agents)
	v.SetDefault("sim.keyframe_interval", cfg.Sim.KeyframeInterval)
	v.SetDefault("sim.epsilon", cfg.Sim.Epsilon)
	v.SetDefault("sim.decision_seconds", cfg.Sim.DecisionSeconds)

	v.SetDefault("queue.timeout_millis", cfg.Queue.TimeoutMillis)
	v.SetDefault("queue.retention_seconds", cfg.Queue.RetentionSeconds)

	v.SetDefault("throttle.ceiling_tokens_per_second", cfg.Throttle.CeilingTokensPerSecond)
	v.SetDefault("throttle.target_utilization", cfg.Throttle.TargetUtilization)
	v.SetDefault("throttle.min_coefficient", cfg.Throttle.MinCoefficient)
	v.SetDefault("throttle.max_coefficient", cfg.Throttle.MaxCoefficient)

	v.SetDefault("journal.path", cfg.Journal.Path)

	v.SetDefault("log.sinks", cfg.Log.Sinks)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.json", cfg.Log.JSON)

	v.SetDefault("http.allowed_origins", cfg.HTTP.AllowedOrigins)
	v.SetDefault("http.enable_pprof", cfg.HTTP.EnablePprof)
}
