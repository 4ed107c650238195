package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "LEADMINDER"
	defaultHTTPAddress   = "127.0.0.1:7410"
	defaultDatabasePath  = "leadminder.db"
	defaultTimezone      = "Local"
	defaultDigestTime    = "08:00"
	defaultLogLevel      = "info"
	defaultWatchMinutes  = 5
	defaultDrainMinutes  = 15
	defaultHorizonMins   = 45
	defaultQuietStart    = 22
	defaultQuietEnd      = 7
	defaultRetryMaxItems = 500
	defaultRenderCap     = 3
)

// AppConfig captures runtime configuration for the reminder agent.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	BackendURL    string
	Timezone      string
	DigestHour    int
	DigestMinute  int
	WatchInterval time.Duration
	DrainInterval time.Duration
	Horizon       time.Duration
	QuietStart    int
	QuietEnd      int
	RetryMaxItems int
	RenderCap     int
	LogLevel      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("backend.url", "")
	configViper.SetDefault("timezone", defaultTimezone)
	configViper.SetDefault("digest.time", defaultDigestTime)
	configViper.SetDefault("watch.interval_minutes", defaultWatchMinutes)
	configViper.SetDefault("drain.interval_minutes", defaultDrainMinutes)
	configViper.SetDefault("horizon.minutes", defaultHorizonMins)
	configViper.SetDefault("quiet.start_hour", defaultQuietStart)
	configViper.SetDefault("quiet.end_hour", defaultQuietEnd)
	configViper.SetDefault("retry.max_items", defaultRetryMaxItems)
	configViper.SetDefault("notify.render_cap", defaultRenderCap)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	digestHour, digestMinute, err := parseClockTime(configViper.GetString("digest.time"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		BackendURL:    configViper.GetString("backend.url"),
		Timezone:      configViper.GetString("timezone"),
		DigestHour:    digestHour,
		DigestMinute:  digestMinute,
		WatchInterval: time.Duration(configViper.GetInt("watch.interval_minutes")) * time.Minute,
		DrainInterval: time.Duration(configViper.GetInt("drain.interval_minutes")) * time.Minute,
		Horizon:       time.Duration(configViper.GetInt("horizon.minutes")) * time.Minute,
		QuietStart:    configViper.GetInt("quiet.start_hour"),
		QuietEnd:      configViper.GetInt("quiet.end_hour"),
		RetryMaxItems: configViper.GetInt("retry.max_items"),
		RenderCap:     configViper.GetInt("notify.render_cap"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return fmt.Errorf("backend.url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Timezone) == "" {
		return fmt.Errorf("timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q is invalid: %w", c.Timezone, err)
	}
	if c.WatchInterval <= 0 || c.DrainInterval <= 0 || c.Horizon <= 0 {
		return fmt.Errorf("watch, drain and horizon intervals must be positive")
	}
	if c.QuietStart < 0 || c.QuietStart > 23 || c.QuietEnd < 0 || c.QuietEnd > 23 {
		return fmt.Errorf("quiet hours must be within 0..23")
	}
	if c.RetryMaxItems <= 0 {
		return fmt.Errorf("retry.max_items must be positive")
	}
	if c.RenderCap <= 0 {
		return fmt.Errorf("notify.render_cap must be positive")
	}
	return nil
}

// parseClockTime parses a wall-clock "HH:MM" expression.
func parseClockTime(value string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("digest.time %q must be formatted as HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("digest.time %q has an invalid hour", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("digest.time %q has an invalid minute", value)
	}
	return hour, minute, nil
}
