// Package config loads the tourbook configuration.
//
// Configuration is layered, later layers override earlier ones:
//
//  1. Defaults: defaultConfig
//  2. Config file: optional YAML file given with --config or TOURBOOK_CONFIG
//  3. Environment: TOURBOOK_<SECTION>_<KEY>, e.g. TOURBOOK_DATABASE_DSN
//     or TOURBOOK_CALENDAR_FIRST_DAY_OF_WEEK
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/cdtdelta/tourbook/internal/model"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TOURBOOK_"

// ConfigPathEnvVar names a config file when --config is not given.
const ConfigPathEnvVar = "TOURBOOK_CONFIG"

// Config is the complete configuration.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Tourbook TourbookConfig `koanf:"tourbook"`
	Calendar CalendarConfig `koanf:"calendar"`
	Metrics  MetricsConfig  `koanf:"metrics"`

	k        *koanf.Koanf
	opts     *Options
	optsOnce sync.Once
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver string `koanf:"driver" validate:"required,oneof=sqlite postgres"`
	DSN    string `koanf:"dsn" validate:"required"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled off"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// TourbookConfig holds the tree options. GroupBy, ShowSummaryRow and
// LinkAndCollapseOthers seed the option store.
type TourbookConfig struct {
	GroupBy               string `koanf:"group_by" validate:"oneof=month week"`
	Depth                 string `koanf:"depth" validate:"oneof=nested flat"`
	ShowSummaryRow        bool   `koanf:"show_summary_row"`
	LinkAndCollapseOthers bool   `koanf:"link_and_collapse_others"`
	FetchSize             int    `koanf:"fetch_size" validate:"min=1,max=100000"`
	Strict                bool   `koanf:"strict"`
}

// CalendarConfig is the week numbering rule and the zone calendar columns
// are computed in.
type CalendarConfig struct {
	FirstDayOfWeek     string `koanf:"first_day_of_week" validate:"oneof=sunday monday tuesday wednesday thursday friday saturday"`
	MinDaysInFirstWeek int    `koanf:"min_days_in_first_week" validate:"min=1,max=7"`
	TimeZone           string `koanf:"time_zone" validate:"required"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `koanf:"addr" validate:"omitempty,hostname_port"`
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "tourbook.db"},
		Log:      LogConfig{Level: "info", Format: "console"},
		Tourbook: TourbookConfig{
			GroupBy:   "month",
			Depth:     "nested",
			FetchSize: 1000,
		},
		Calendar: CalendarConfig{
			FirstDayOfWeek:     "monday",
			MinDaysInFirstWeek: 4,
			TimeZone:           "UTC",
		},
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Load reads defaults, the YAML file at path (or $TOURBOOK_CONFIG when path
// is empty; a missing file is an error only when named explicitly) and the
// environment, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		if p := os.Getenv(ConfigPathEnvVar); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.k = k

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps TOURBOOK_SECTION_SOME_KEY to section.some_key.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return ""
	}
	return strings.Replace(key, "_", ".", 1)
}

// Validate checks field constraints and that the calendar can be built.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return err
	}
	if _, err := c.BuildCalendar(); err != nil {
		return err
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// BuildCalendar returns the calendar described by the calendar section.
func (c *Config) BuildCalendar() (model.Calendar, error) {
	day, ok := weekdays[strings.ToLower(c.Calendar.FirstDayOfWeek)]
	if !ok {
		return model.Calendar{}, fmt.Errorf("invalid first day of week: %q", c.Calendar.FirstDayOfWeek)
	}
	rule := model.WeekRule{FirstDay: day, MinDays: c.Calendar.MinDaysInFirstWeek}
	if err := rule.Validate(); err != nil {
		return model.Calendar{}, err
	}
	loc, err := time.LoadLocation(c.Calendar.TimeZone)
	if err != nil {
		return model.Calendar{}, fmt.Errorf("invalid time zone: %w", err)
	}
	return model.Calendar{Rule: rule, Location: loc}, nil
}
