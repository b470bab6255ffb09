package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vk/albo/internal/app"
	"github.com/vk/albo/internal/config"
)

// Exit codes.
const (
	ExitFailure   = 1
	ExitUsage     = 2
	ExitNoProfile = 3
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// ConfigEnv names the environment variable consulted when -config is not
// given.
const ConfigEnv = "ALBO_CONFIG"

// Commands.
const (
	CmdRun    = "run"
	CmdBatch  = "batch"
	CmdList   = "list"
	CmdUpdate = "update"
	CmdCache  = "cache"
)

// Invocation is a fully parsed and validated command line.
type Invocation struct {
	Command string
	Config  config.Config
	// Case is set for run.
	Case app.CaseRequest
	// BatchFile is set for batch.
	BatchFile string
	// Clear is set for cache -clear.
	Clear bool
}

const usage = `
albo - MRI lesion segmentation pipeline.

Usage:
  albo run [options] -id CASE SEQID:PATH...
  albo batch [options] CASES.hcl
  albo list [options]
  albo update [options]
  albo cache [options] [-clear]

Commands:
  run      Process one case from the given sequences.
  batch    Process every case declared in an HCL case list.
  list     Show the known profiles and their consistency issues.
  update   Recompute atlas overlaps for every finished case.
  cache    Show cache statistics, or clear the cache.

Run 'albo <command> -h' for the options of a command.
`

// common holds the flags every command accepts.
type common struct {
	configPath    string
	profiles      string
	cache         string
	output        string
	atlases       string
	standardBrain string
	policy        string
	workers       int
	taskTimeout   time.Duration
	logLevel      string
	logFormat     string
	plot          bool
	force         bool
}

func (c *common) register(fs *flag.FlagSet, withForce bool) {
	fs.StringVar(&c.configPath, "config", os.Getenv(ConfigEnv), "Path to a TOML configuration file. Defaults to $"+ConfigEnv+".")
	fs.StringVar(&c.profiles, "profiles", "", "Directory containing profile .hcl files.")
	fs.StringVar(&c.cache, "cache", "", "Directory of the execution cache.")
	fs.StringVar(&c.output, "output", "", "Directory receiving one sub-directory per case.")
	fs.StringVar(&c.atlases, "atlases", "", "Directory of atlas label volumes.")
	fs.StringVar(&c.standardBrain, "standardbrain", "", "Standard brain as SEQID:PATH; enables standard-space registration.")
	fs.StringVar(&c.policy, "fingerprint-policy", "", "File identity for cache keys: 'content' or 'stat'.")
	fs.IntVar(&c.workers, "workers", 0, "Number of concurrent feature extraction workers.")
	fs.DurationVar(&c.taskTimeout, "task-timeout", 0, "Time limit for a single external operation, e.g. 30m. 0 disables it.")
	fs.StringVar(&c.logLevel, "log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	fs.StringVar(&c.logFormat, "log-format", "", "Log output format. Options: 'text' or 'json'.")
	fs.BoolVar(&c.plot, "plot", false, "Also write a bar chart per atlas report.")
	if withForce {
		fs.BoolVar(&c.force, "force", false, "Reuse case directories that already have content.")
	}
}

// config loads the configuration file and applies the flags that were set
// explicitly.
func (c *common) config(fs *flag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, err
	}

	var errs []error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "profiles":
			cfg.ProfileDir = c.profiles
		case "cache":
			cfg.CacheDir = c.cache
		case "output":
			cfg.OutputDir = c.output
		case "atlases":
			cfg.AtlasDir = c.atlases
		case "standardbrain":
			sb, err := config.ParseStandardBrain(c.standardBrain)
			if err != nil {
				errs = append(errs, err)
				return
			}
			cfg.StandardBrain = sb
		case "fingerprint-policy":
			cfg.FingerprintPolicy = c.policy
		case "workers":
			cfg.Workers = c.workers
		case "task-timeout":
			cfg.TaskTimeout = c.taskTimeout
		case "log-level":
			cfg.LogLevel = strings.ToLower(c.logLevel)
		case "log-format":
			cfg.LogFormat = strings.ToLower(c.logFormat)
		case "plot":
			cfg.PlotOverlaps = c.plot
		case "force":
			cfg.Force = c.force
		}
	})
	if len(errs) > 0 {
		return config.Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// Parse processes command-line arguments. It returns the invocation, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*Invocation, bool, error) {
	slog.Debug("CLI parser started.")
	if len(args) == 0 || args[0] == "-h" || args[0] == "-help" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(output, usage)
		return nil, true, nil
	}

	inv := &Invocation{Command: args[0]}
	fs := flag.NewFlagSet("albo "+inv.Command, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(output, "\nUsage of albo %s:\n", inv.Command)
		fs.PrintDefaults()
	}

	var c common
	var id string
	switch inv.Command {
	case CmdRun:
		c.register(fs, true)
		fs.StringVar(&id, "id", "", "Case id; names the case output directory.")
	case CmdBatch:
		c.register(fs, true)
	case CmdList, CmdUpdate:
		c.register(fs, false)
	case CmdCache:
		c.register(fs, false)
		fs.BoolVar(&inv.Clear, "clear", false, "Remove every cache entry.")
	default:
		fmt.Fprint(output, usage)
		return nil, false, &ExitError{Code: ExitUsage, Message: fmt.Sprintf("unknown command %q", inv.Command)}
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.", "command", inv.Command)

	switch inv.Command {
	case CmdRun:
		if id == "" {
			return nil, false, &ExitError{Code: ExitUsage, Message: "run: -id is required"}
		}
		if fs.NArg() == 0 {
			return nil, false, &ExitError{Code: ExitUsage, Message: "run: at least one SEQID:PATH argument is required"}
		}
		seqs, err := config.ParseSequences(fs.Args())
		if err != nil {
			return nil, false, &ExitError{Code: ExitUsage, Message: err.Error()}
		}
		inv.Case = app.CaseRequest{ID: id, Sequences: seqs}
	case CmdBatch:
		if fs.NArg() != 1 {
			return nil, false, &ExitError{Code: ExitUsage, Message: "batch: exactly one case list is required"}
		}
		inv.BatchFile = fs.Arg(0)
	default:
		if fs.NArg() > 0 {
			return nil, false, &ExitError{Code: ExitUsage, Message: fmt.Sprintf("%s: unexpected argument %q", inv.Command, fs.Arg(0))}
		}
	}

	cfg, err := c.config(fs)
	if err != nil {
		return nil, false, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	inv.Config = cfg

	slog.Debug("CLI parser finished successfully.", "command", inv.Command)
	return inv, false, nil
}
