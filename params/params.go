// Package params handles JIT parameters: defaults, metajit.toml files and
// "key=value,..." parameter strings.
package params

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the parameter file searched by FindAndLoad.
const FileName = "metajit.toml"

// Params are the tunables of the JIT front end.
type Params struct {
	// Threshold is the number of merge point hits before tracing starts.
	// Zero or negative disables tracing.
	Threshold int `toml:"threshold"`
	// TraceLimit bounds the length of the portal code a trace may cover.
	TraceLimit int `toml:"trace_limit"`
	// Decay is the per-mille counter decay applied by DecayCounters.
	Decay int `toml:"decay"`
	// SwitchDictMinCases is the number of cases from which a switch is
	// compiled to a dictionary lookup.
	SwitchDictMinCases int  `toml:"switch_dict_min_cases"`
	EnableFloats       bool `toml:"enable_floats"`

	Log LogConfig `toml:"log"`

	// Dir is the directory containing the parameter file (set at load time).
	Dir string `toml:"-"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the default parameters.
func Default() *Params {
	return &Params{
		Threshold:          1039,
		TraceLimit:         6000,
		Decay:              40,
		SwitchDictMinCases: 6,
		EnableFloats:       true,
	}
}

// ErrInvalid is returned for out-of-range parameters.
var ErrInvalid = errors.New("params: invalid parameter")

// Validate checks parameter ranges.
func (p *Params) Validate() error {
	if p.TraceLimit <= 0 {
		return fmt.Errorf("%w: trace_limit must be positive, got %d", ErrInvalid, p.TraceLimit)
	}
	if p.Decay < 0 || p.Decay > 1000 {
		return fmt.Errorf("%w: decay must be in [0, 1000], got %d", ErrInvalid, p.Decay)
	}
	if p.SwitchDictMinCases < 1 {
		return fmt.Errorf("%w: switch_dict_min_cases must be at least 1, got %d", ErrInvalid, p.SwitchDictMinCases)
	}
	return nil
}

// Parse reads TOML parameters over the defaults.
func Parse(data []byte) (*Params, error) {
	p := Default()
	if _, err := toml.Decode(string(data), p); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load parses a parameter file.
func Load(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	p.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return p, nil
}

// FindAndLoad walks up from startDir to find a metajit.toml file and loads
// it. Returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Params, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// ParseSpec applies a parameter string like "threshold=10,trace_limit=500"
// to a copy of p.
func (p *Params) ParseSpec(spec string) (*Params, error) {
	out := *p
	if strings.TrimSpace(spec) == "" {
		return &out, nil
	}
	for _, item := range strings.Split(spec, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not key=value", ErrInvalid, item)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "enable_floats":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("%w: enable_floats: %v", ErrInvalid, err)
			}
			out.EnableFloats = b
			continue
		case "log_file":
			out.Log.File = value
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		switch key {
		case "threshold":
			out.Threshold = n
		case "trace_limit":
			out.TraceLimit = n
		case "decay":
			out.Decay = n
		case "switch_dict_min_cases":
			out.SwitchDictMinCases = n
		case "verbosity":
			out.Log.Verbosity = n
		default:
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrInvalid, key)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// String renders the parameters as a parameter string.
func (p *Params) String() string {
	return fmt.Sprintf("threshold=%d,trace_limit=%d,decay=%d,switch_dict_min_cases=%d,enable_floats=%t",
		p.Threshold, p.TraceLimit, p.Decay, p.SwitchDictMinCases, p.EnableFloats)
}
