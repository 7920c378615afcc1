// Package instrument holds per-spectrograph tracer defaults. Profiles are
// TOML files; the NRES units are built in and a directory of *.toml files
// can add or replace them.
package instrument

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"nres-tracer/internal/errs"
	"nres-tracer/internal/trace"
)

//go:embed profiles/*.toml
var builtin embed.FS

// DefaultProfile is used when no profile is configured.
const DefaultProfile = "nres01"

// Detector is the size of the science detector.
type Detector struct {
	Width  int `toml:"width"`
	Height int `toml:"height"`
}

// FollowSettings mirrors trace.FollowParams.
type FollowSettings struct {
	HalfWidth    int     `toml:"halfwidth"`
	QueueLength  int     `toml:"queue_length"`
	SNRThreshold float64 `toml:"snr_threshold"`
	BaffleClip   int     `toml:"baffle_clip"`
}

// TraceSettings are the tracer values that differ between units.
type TraceSettings struct {
	NOrders           int            `toml:"n_orders"`
	ReferenceRow      int            `toml:"reference_row"`
	ReferenceColumn   int            `toml:"reference_column"`
	BlindSearchLength int            `toml:"blind_search_length"`
	Degree            int            `toml:"degree"`
	Every             int            `toml:"every"`
	SeedColumns       []int          `toml:"seed_columns"`
	Follow            FollowSettings `toml:"follow"`
}

// Profile describes one spectrograph unit.
type Profile struct {
	Name     string        `toml:"name"`
	Site     string        `toml:"site"`
	Detector Detector      `toml:"detector"`
	Trace    TraceSettings `toml:"trace"`
}

// Validate checks that the reference position and seed columns fall on
// the detector.
func (p *Profile) Validate() error {
	d, t := p.Detector, p.Trace
	switch {
	case p.Name == "":
		return fmt.Errorf("profile has no name: %w", errs.ErrInvalidInput)
	case d.Width < 1 || d.Height < 1:
		return fmt.Errorf("profile %s: detector %dx%d: %w", p.Name, d.Width, d.Height, errs.ErrInvalidInput)
	case t.ReferenceRow < 0 || t.ReferenceRow >= d.Height:
		return fmt.Errorf("profile %s: reference row %d off detector: %w", p.Name, t.ReferenceRow, errs.ErrInvalidInput)
	case t.ReferenceColumn < 0 || t.ReferenceColumn >= d.Width:
		return fmt.Errorf("profile %s: reference column %d off detector: %w", p.Name, t.ReferenceColumn, errs.ErrInvalidInput)
	}
	for _, c := range t.SeedColumns {
		if c < 0 || c >= d.Width {
			return fmt.Errorf("profile %s: seed column %d off detector: %w", p.Name, c, errs.ErrInvalidInput)
		}
	}
	if err := p.TraceParams().Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return nil
}

// TraceParams returns the tracer defaults with this profile's settings
// applied. Zero-valued settings keep the default.
func (p *Profile) TraceParams() trace.Params {
	params := trace.DefaultParams()
	t := p.Trace
	setInt(&params.NOrders, t.NOrders)
	setInt(&params.ReferenceRow, t.ReferenceRow)
	setInt(&params.ReferenceColumn, t.ReferenceColumn)
	setInt(&params.BlindSearchLength, t.BlindSearchLength)
	setInt(&params.Degree, t.Degree)
	setInt(&params.Every, t.Every)
	setInt(&params.Follow.HalfWidth, t.Follow.HalfWidth)
	setInt(&params.Follow.QueueLength, t.Follow.QueueLength)
	setInt(&params.Follow.BaffleClip, t.Follow.BaffleClip)
	if t.Follow.SNRThreshold != 0 {
		params.Follow.SNRThreshold = t.Follow.SNRThreshold
	}
	return params
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// SeedColumns returns the by-hand seed columns, or nil when the profile
// does not set them.
func (p *Profile) SeedColumns() []int {
	return append([]int(nil), p.Trace.SeedColumns...)
}

// Set is a collection of profiles keyed by name.
type Set map[string]*Profile

// Builtin returns the embedded NRES profiles.
func Builtin() (Set, error) {
	entries, err := builtin.ReadDir("profiles")
	if err != nil {
		return nil, fmt.Errorf("failed to read built-in profiles: %w", err)
	}
	set := make(Set, len(entries))
	for _, e := range entries {
		var p Profile
		md, err := toml.DecodeFS(builtin, "profiles/"+e.Name(), &p)
		if err != nil {
			return nil, fmt.Errorf("built-in profile %s: %w", e.Name(), err)
		}
		if err := set.add(&p, e.Name(), md); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// LoadDir adds every *.toml profile in dir to s, replacing profiles of the
// same name.
func (s Set) LoadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}
	if len(paths) == 0 {
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("profile directory: %w", err)
		}
	}
	for _, path := range paths {
		var p Profile
		md, err := toml.DecodeFile(path, &p)
		if err != nil {
			return fmt.Errorf("profile %s: %v: %w", path, err, errs.ErrInvalidInput)
		}
		if err := s.add(&p, path, md); err != nil {
			return err
		}
	}
	return nil
}

func (s Set) add(p *Profile, source string, md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("profile %s: unknown keys %s: %w", source, strings.Join(keys, ", "), errs.ErrInvalidInput)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	s[p.Name] = p
	return nil
}

// Names returns the profile names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the named profile.
func (s Set) Get(name string) (*Profile, error) {
	p, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("unknown instrument profile %q (have %s): %w",
			name, strings.Join(s.Names(), ", "), errs.ErrInvalidInput)
	}
	return p, nil
}

// Lookup returns the named profile from the built-in set, extended by dir
// when dir is not empty. An empty name selects DefaultProfile.
func Lookup(name, dir string) (*Profile, error) {
	set, err := Builtin()
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if err := set.LoadDir(dir); err != nil {
			return nil, err
		}
	}
	if name == "" {
		name = DefaultProfile
	}
	return set.Get(name)
}
