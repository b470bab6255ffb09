package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	ProfileDir        string              `toml:"profile_dir"`
	CacheDir          string              `toml:"cache_dir"`
	OutputDir         string              `toml:"output_dir"`
	AtlasDir          string              `toml:"atlas_dir"`
	StandardBrain     string              `toml:"standard_brain"`
	FingerprintPolicy string              `toml:"fingerprint_policy"`
	TaskTimeout       string              `toml:"task_timeout"`
	Workers           int                 `toml:"workers"`
	PlotOverlaps      bool                `toml:"plot_overlaps"`
	LogLevel          string              `toml:"log_level"`
	LogFormat         string              `toml:"log_format"`
	Tools             map[string]fileTool `toml:"tools"`
}

type fileTool struct {
	Command    string              `toml:"command"`
	Args       []string            `toml:"args"`
	Conditions map[string][]string `toml:"conditions"`
	Version    string              `toml:"version"`
}

// Load returns Default() overlaid with every key defined in the TOML file at
// path. Relative directories in the file are resolved against the file's own
// directory. An empty path returns the defaults unchanged. The result is not
// validated; callers apply their overrides first and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("%w: load %s: %w", ErrInvalid, path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: %s: unknown key %q", ErrInvalid, path, undecoded[0].String())
	}

	base := filepath.Dir(path)
	resolve := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	if meta.IsDefined("profile_dir") {
		cfg.ProfileDir = resolve(raw.ProfileDir)
	}
	if meta.IsDefined("cache_dir") {
		cfg.CacheDir = resolve(raw.CacheDir)
	}
	if meta.IsDefined("output_dir") {
		cfg.OutputDir = resolve(raw.OutputDir)
	}
	if meta.IsDefined("atlas_dir") {
		cfg.AtlasDir = resolve(raw.AtlasDir)
	}
	if meta.IsDefined("standard_brain") {
		sb, err := ParseStandardBrain(raw.StandardBrain)
		if err != nil {
			return Config{}, fmt.Errorf("standard_brain: %w", err)
		}
		sb.Path = resolve(sb.Path)
		cfg.StandardBrain = sb
	}
	if meta.IsDefined("fingerprint_policy") {
		cfg.FingerprintPolicy = strings.TrimSpace(raw.FingerprintPolicy)
	}
	if meta.IsDefined("task_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.TaskTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse task_timeout: %w", ErrInvalid, err)
		}
		cfg.TaskTimeout = d
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("plot_overlaps") {
		cfg.PlotOverlaps = raw.PlotOverlaps
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(raw.LogFormat))
	}

	for name, ft := range raw.Tools {
		t := cfg.Tools[name]
		if meta.IsDefined("tools", name, "command") {
			t.Command = ft.Command
		}
		if meta.IsDefined("tools", name, "args") {
			t.Args = ft.Args
		}
		if meta.IsDefined("tools", name, "conditions") {
			t.Conditions = ft.Conditions
		}
		if meta.IsDefined("tools", name, "version") {
			t.Version = ft.Version
		}
		cfg.Tools[name] = t
	}

	return cfg, nil
}
