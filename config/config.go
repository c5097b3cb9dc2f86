// Package config loads the engine's procurement policy from a YAML file and
// connection settings from the environment. Missing file means defaults;
// invalid YAML is an error.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tenderflow/calendar"
)

// Calendar configures the business-day clock.
type Calendar struct {
	// Weekend lists non-working weekdays by name ("Saturday"). Empty means
	// Saturday and Sunday.
	Weekend []string `yaml:"weekend"`
	// Holidays lists non-working dates as YYYY-MM-DD.
	Holidays []string `yaml:"holidays"`
}

// Escrow configures the settlement engine.
type Escrow struct {
	// Provider selects the custody backend. Only "mock" ships today.
	Provider string `yaml:"provider"`
	// ProviderTimeoutSeconds bounds every adapter call.
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`
	// RequiredSignatures is the default release quorum for milestones that
	// do not set their own.
	RequiredSignatures int `yaml:"required_signatures"`
}

// ProviderTimeout returns the adapter deadline as a duration.
func (e Escrow) ProviderTimeout() time.Duration {
	return time.Duration(e.ProviderTimeoutSeconds) * time.Second
}

// Config holds all procurement policy parameters.
type Config struct {
	// StandstillDays is the business-day challenge window opened by a
	// notice to award.
	StandstillDays int      `yaml:"standstill_days"`
	Calendar       Calendar `yaml:"calendar"`
	Escrow         Escrow   `yaml:"escrow"`
	// ListenAddr is the API bind address.
	ListenAddr string `yaml:"listen_addr"`
	// DatabaseURL comes from the DATABASE_URL environment variable, never
	// from the file.
	DatabaseURL string `yaml:"-"`
}

// Default returns the built-in policy.
func Default() *Config {
	return &Config{
		StandstillDays: 10,
		Escrow: Escrow{
			Provider:               "mock",
			ProviderTimeoutSeconds: 5,
			RequiredSignatures:     3,
		},
		ListenAddr: ":8080",
	}
}

// Load reads the policy file at path and overlays it on the defaults. A
// missing file returns defaults; an empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if cfg.StandstillDays <= 0 {
		return nil, fmt.Errorf("config: standstill_days must be positive, got %d", cfg.StandstillDays)
	}
	if cfg.Escrow.RequiredSignatures <= 0 {
		return nil, fmt.Errorf("config: escrow.required_signatures must be positive, got %d", cfg.Escrow.RequiredSignatures)
	}
	if cfg.Escrow.ProviderTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("config: escrow.provider_timeout_seconds must be positive")
	}
	if _, err := cfg.NewCalendar(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// NewCalendar builds the business-day clock from the calendar section.
func (c *Config) NewCalendar() (*calendar.Calendar, error) {
	weekend := make([]time.Weekday, 0, len(c.Calendar.Weekend))
	for _, name := range c.Calendar.Weekend {
		d, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("config: unknown weekday %q", name)
		}
		weekend = append(weekend, d)
	}
	holidays, err := calendar.ParseHolidays(c.Calendar.Holidays)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return calendar.New(weekend, holidays), nil
}
