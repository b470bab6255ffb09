package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/memo"
	"github.com/vk/albo/internal/operation"
	"github.com/vk/albo/internal/pipeline"
)

// App runs the albo operations for one validated configuration.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    config.Config

	// toolbox overrides the configured external tools. Tests set it.
	toolbox pipeline.Toolbox
}

// New returns an App logging to outW. cfg must have passed Validate.
func New(outW io.Writer, cfg config.Config) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.", "level", cfg.LogLevel, "format", cfg.LogFormat)
	return &App{outW: outW, logger: logger, cfg: cfg}
}

// Config returns the configuration the App was built with.
func (a *App) Config() config.Config { return a.cfg }

func (a *App) context(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}

// engine holds the resources shared by every case of one invocation.
type engine struct {
	cache *memo.Cache
	tools pipeline.Toolbox
}

func (a *App) open(ctx context.Context) (*engine, error) {
	tools := a.toolbox
	if tools == nil {
		set, err := operation.NewSet(a.cfg.Tools)
		if err != nil {
			return nil, err
		}
		tools = set
	}

	cache, err := memo.Open(ctx, memo.Options{
		Dir:         a.cfg.CacheDir,
		Policy:      a.cfg.FingerprintPolicy,
		TaskTimeout: a.cfg.TaskTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &engine{cache: cache, tools: tools}, nil
}

func (e *engine) Close() error { return e.cache.Close() }

func (e *engine) pipeline(cfg config.Config, sb *config.StandardBrain) *pipeline.Pipeline {
	return pipeline.New(e.cache, e.tools, pipeline.Options{
		Workers:       cfg.Workers,
		StandardBrain: sb,
	})
}
