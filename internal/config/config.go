package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ErrInvalid marks configuration errors. They are reported before any
// expensive work begins.
var ErrInvalid = errors.New("invalid configuration")

// Fingerprint policies for file-valued cache inputs.
const (
	PolicyContent = "content"
	PolicyStat    = "stat"
)

// StandardBrain names the standard-space template and the case sequence that
// gets registered onto it.
type StandardBrain struct {
	Sequence string
	Path     string
}

// Config holds everything a pipeline run needs. Treat it as read-only once
// Validate has passed.
type Config struct {
	ProfileDir string
	CacheDir   string
	OutputDir  string
	AtlasDir   string

	StandardBrain *StandardBrain

	FingerprintPolicy string
	TaskTimeout       time.Duration
	Workers           int
	PlotOverlaps      bool
	Force             bool

	LogLevel  string
	LogFormat string

	Tools map[string]Tool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ProfileDir:        "profiles",
		CacheDir:          "cache",
		OutputDir:         "output",
		AtlasDir:          "atlases",
		FingerprintPolicy: PolicyContent,
		Workers:           runtime.NumCPU(),
		LogLevel:          "info",
		LogFormat:         "text",
		Tools:             DefaultTools(),
	}
}

// Tool returns the command definition registered under name.
func (c Config) Tool(name string) (Tool, bool) {
	t, ok := c.Tools[name]
	return t, ok
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error

	for name, dir := range map[string]string{
		"profile_dir": c.ProfileDir,
		"cache_dir":   c.CacheDir,
		"output_dir":  c.OutputDir,
	} {
		if strings.TrimSpace(dir) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}

	switch c.FingerprintPolicy {
	case PolicyContent, PolicyStat:
	default:
		errs = append(errs, fmt.Errorf("fingerprint_policy must be %q or %q, got %q", PolicyContent, PolicyStat, c.FingerprintPolicy))
	}

	if c.TaskTimeout < 0 {
		errs = append(errs, errors.New("task_timeout must not be negative"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log-level %q: must be 'debug', 'info', 'warn', or 'error'", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log-format %q: must be 'text' or 'json'", c.LogFormat))
	}

	if sb := c.StandardBrain; sb != nil {
		if sb.Sequence == "" || sb.Path == "" {
			errs = append(errs, errors.New("standard brain needs both a sequence id and a path"))
		} else if _, err := os.Stat(sb.Path); err != nil {
			errs = append(errs, fmt.Errorf("standard brain: %w", err))
		}
	}

	for _, name := range RequiredTools {
		t, ok := c.Tools[name]
		if !ok {
			errs = append(errs, fmt.Errorf("tool %q is not configured", name))
			continue
		}
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tool %q: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ParseStandardBrain parses a "SEQID:PATH" pair.
func ParseStandardBrain(s string) (*StandardBrain, error) {
	seq, path, err := ParseSequenceArg(s)
	if err != nil {
		return nil, err
	}
	return &StandardBrain{Sequence: seq, Path: path}, nil
}

// ParseSequenceArg splits a "SEQID:PATH" argument. The path may itself
// contain colons.
func ParseSequenceArg(s string) (string, string, error) {
	seq, path, ok := strings.Cut(s, ":")
	seq, path = strings.TrimSpace(seq), strings.TrimSpace(path)
	if !ok || seq == "" || path == "" {
		return "", "", fmt.Errorf("%w: %q is not of the form SEQID:PATH", ErrInvalid, s)
	}
	return seq, path, nil
}

// ParseSequences turns SEQID:PATH arguments into a sequence map. Duplicate
// sequence ids are rejected.
func ParseSequences(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		seq, path, err := ParseSequenceArg(a)
		if err != nil {
			return nil, err
		}
		if _, dup := out[seq]; dup {
			return nil, fmt.Errorf("%w: sequence %q given more than once", ErrInvalid, seq)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		out[seq] = abs
	}
	return out, nil
}
