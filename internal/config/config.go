// Package config loads nrestrace settings from defaults, an optional YAML
// file and NRES_ environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"nres-tracer/internal/alignment"
	"nres-tracer/internal/detect"
	"nres-tracer/internal/errs"
	"nres-tracer/internal/logging"
	"nres-tracer/internal/trace"
)

const (
	envPrefix         = "NRES_"
	maxConfigFileSize = 1024 * 1024
)

// Config is the full nrestrace configuration.
type Config struct {
	Log        logging.Config   `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Instrument InstrumentConfig `koanf:"instrument"`
	Trace      TraceOverrides   `koanf:"trace"`
	Detect     DetectConfig     `koanf:"detect"`
	Register   RegisterConfig   `koanf:"register"`
	QA         QAConfig         `koanf:"qa"`
}

// MetricsConfig selects the prometheus textfile written after each run.
type MetricsConfig struct {
	Textfile string `koanf:"textfile"`
}

// InstrumentConfig selects the instrument profile.
type InstrumentConfig struct {
	Profile string `koanf:"profile"`
	Dir     string `koanf:"dir"` // extra *.toml profiles
}

// TraceOverrides replace instrument-profile tracer values. Unset fields
// keep the profile's value.
type TraceOverrides struct {
	NOrders           *int     `koanf:"n_orders"`
	ReferenceRow      *int     `koanf:"reference_row"`
	ReferenceColumn   *int     `koanf:"reference_column"`
	BlindSearchLength *int     `koanf:"blind_search_length"`
	GuessPercentile   *float64 `koanf:"guess_percentile"`
	Degree            *int     `koanf:"degree"`
	Every             *int     `koanf:"every"`
	HalfWidth         *int     `koanf:"halfwidth"`
	QueueLength       *int     `koanf:"queue_length"`
	SNRThreshold      *float64 `koanf:"snr_threshold"`
	BaffleClip        *int     `koanf:"baffle_clip"`
}

// Apply writes every set override into p.
func (o TraceOverrides) Apply(p *trace.Params) {
	setIf(&p.NOrders, o.NOrders)
	setIf(&p.ReferenceRow, o.ReferenceRow)
	setIf(&p.ReferenceColumn, o.ReferenceColumn)
	setIf(&p.BlindSearchLength, o.BlindSearchLength)
	setIf(&p.GuessPercentile, o.GuessPercentile)
	setIf(&p.Degree, o.Degree)
	setIf(&p.Every, o.Every)
	setIf(&p.Follow.HalfWidth, o.HalfWidth)
	setIf(&p.Follow.QueueLength, o.QueueLength)
	setIf(&p.Follow.SNRThreshold, o.SNRThreshold)
	setIf(&p.Follow.BaffleClip, o.BaffleClip)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// DetectConfig configures source detection.
type DetectConfig struct {
	Threshold      float64 `koanf:"threshold"`
	BackgroundSize float64 `koanf:"background_size"`
	MinPixels      int     `koanf:"min_pixels"`
	MaxSources     int     `koanf:"max_sources"`
}

// Options returns the detector options for these settings.
func (c DetectConfig) Options() detect.Options {
	return detect.Options{
		Threshold:      c.Threshold,
		BackgroundSize: c.BackgroundSize,
		MinPixels:      c.MinPixels,
		MaxSources:     c.MaxSources,
	}
}

// RegisterConfig configures the warp fit.
type RegisterConfig struct {
	Order            int           `koanf:"order"`
	Scale            float64       `koanf:"scale"`
	EstimateRotation bool          `koanf:"estimate_rotation"`
	GridRange        int           `koanf:"grid_range"`
	MatchRadius      float64       `koanf:"match_radius"`
	MaxSources       int           `koanf:"max_sources"`
	MaxEvaluations   int           `koanf:"max_evaluations"`
	MaxDuration      time.Duration `koanf:"max_duration"`
	Polish           bool          `koanf:"polish"`
}

// Options returns the warp-fit options for these settings.
func (c RegisterConfig) Options() alignment.WarpOptions {
	o := alignment.DefaultWarpOptions()
	o.Order = c.Order
	o.Scale = c.Scale
	o.EstimateRotation = c.EstimateRotation
	o.GridRange = c.GridRange
	o.MatchRadius = c.MatchRadius
	o.MaxSources = c.MaxSources
	o.MaxEvaluations = c.MaxEvaluations
	o.MaxDuration = c.MaxDuration
	o.Polish = c.Polish
	return o
}

// QAConfig controls QA plot and overlay output.
type QAConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	d := detect.DefaultOptions()
	w := alignment.DefaultWarpOptions()
	return Config{
		Log: logging.DefaultConfig(),
		Detect: DetectConfig{
			Threshold:      d.Threshold,
			BackgroundSize: d.BackgroundSize,
			MinPixels:      d.MinPixels,
			MaxSources:     d.MaxSources,
		},
		Register: RegisterConfig{
			Order:            w.Order,
			Scale:            w.Scale,
			EstimateRotation: w.EstimateRotation,
			GridRange:        w.GridRange,
			MatchRadius:      w.MatchRadius,
			MaxSources:       w.MaxSources,
			MaxEvaluations:   w.MaxEvaluations,
			MaxDuration:      w.MaxDuration,
			Polish:           w.Polish,
		},
		QA: QAConfig{Dir: "qa"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then NRES_ environment variables.
//
// Environment variables drop the prefix and split on the first underscore:
//
//	NRES_LOG_LEVEL         -> log.level
//	NRES_TRACE_N_ORDERS    -> trace.n_orders
//	NRES_REGISTER_MAX_DURATION -> register.max_duration
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %v: %w", path, err, errs.ErrInvalidInput)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %v: %w", err, errs.ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is %d bytes, limit %d: %w", path, info.Size(), maxConfigFileSize, errs.ErrInvalidInput)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %v: %w", err, errs.ErrInvalidInput)
	}
	if err := c.Detect.Options().Validate(); err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	if c.Register.MaxDuration <= 0 {
		return fmt.Errorf("register: max_duration %s <= 0: %w", c.Register.MaxDuration, errs.ErrInvalidInput)
	}
	if err := c.Register.Options().Validate(); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if c.QA.Enabled && c.QA.Dir == "" {
		return fmt.Errorf("qa: enabled without a directory: %w", errs.ErrInvalidInput)
	}
	p := trace.DefaultParams()
	c.Trace.Apply(&p)
	if err := p.Validate(); err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	return nil
}
