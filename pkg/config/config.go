// Package config loads resolver settings from the environment.
//
// Values come from process environment variables. Before reading them, Load
// applies .env files the same way the rest of our services do:
//
//  1. ENV_FILE (if set, only this file is loaded)
//  2. .env.local (overrides .env)
//  3. .env
//
// Variables already present in the environment always win over file values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultTargetURL = "https://claude.ai/api/desktop/darwin/universal/dmg/latest/redirect"
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultTimeout   = 30 * time.Second

	DriverRod      = "rod"
	DriverChromedp = "chromedp"
)

// Config holds all runtime settings for a resolve run
type Config struct {
	TargetURL         string
	DownloadTimeout   time.Duration
	NavigationTimeout time.Duration
	UserAgent         string
	Headless          bool
	ChromeBin         string
	Driver            string

	LogLevel  string
	LogFormat string

	// Optional sinks; empty disables them
	MySQLDSN    string
	MetricsFile string
}

// Load reads .env files and the environment and returns a validated Config
func Load() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables without touching .env files
func FromEnv() (*Config, error) {
	downloadTimeout, err := getDurationOrDefault("RESOLVER_DOWNLOAD_TIMEOUT", DefaultTimeout)
	if err != nil {
		return nil, err
	}
	navigationTimeout, err := getDurationOrDefault("RESOLVER_NAVIGATION_TIMEOUT", DefaultTimeout)
	if err != nil {
		return nil, err
	}
	headless, err := getBoolOrDefault("RESOLVER_HEADLESS", true)
	if err != nil {
		return nil, err
	}

	return &Config{
		TargetURL:         getEnvOrDefault("RESOLVER_TARGET_URL", DefaultTargetURL),
		DownloadTimeout:   downloadTimeout,
		NavigationTimeout: navigationTimeout,
		UserAgent:         getEnvOrDefault("RESOLVER_USER_AGENT", DefaultUserAgent),
		Headless:          headless,
		ChromeBin:         os.Getenv("CHROME_BIN"),
		Driver:            strings.ToLower(getEnvOrDefault("RESOLVER_DRIVER", DriverRod)),
		LogLevel:          getEnvOrDefault("RESOLVER_LOG_LEVEL", "info"),
		LogFormat:         getEnvOrDefault("RESOLVER_LOG_FORMAT", "console"),
		MySQLDSN:          os.Getenv("RESOLVER_MYSQL_DSN"),
		MetricsFile:       os.Getenv("RESOLVER_METRICS_FILE"),
	}, nil
}

// Validate checks that the configuration can drive a run
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.TargetURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("invalid target url %q: %w", c.TargetURL, err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("target url %q must be http or https", c.TargetURL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("target url %q has no host", c.TargetURL))
	}

	if c.DownloadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("download timeout must be positive, got %s", c.DownloadTimeout))
	}
	if c.NavigationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("navigation timeout must be positive, got %s", c.NavigationTimeout))
	}

	switch c.Driver {
	case DriverRod, DriverChromedp:
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q (want %s or %s)", c.Driver, DriverRod, DriverChromedp))
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}

	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env.local: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDurationOrDefault(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func getBoolOrDefault(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
