package cli

import (
	"context"
	"errors"
	"io"

	"github.com/vk/albo/internal/app"
	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/profile"
)

// Execute runs inv and translates its outcome into an ExitError.
func Execute(ctx context.Context, inv *Invocation, outW io.Writer) error {
	a := app.New(outW, inv.Config)

	var err error
	switch inv.Command {
	case CmdRun:
		err = a.RunCase(ctx, inv.Case)
	case CmdBatch:
		_, err = a.RunBatch(ctx, inv.BatchFile)
	case CmdList:
		var ok bool
		ok, err = a.ListProfiles(ctx)
		if err == nil && !ok {
			err = &ExitError{Code: ExitFailure, Message: "some profiles are inconsistent"}
		}
	case CmdUpdate:
		_, err = a.UpdateOverlaps(ctx)
	case CmdCache:
		if inv.Clear {
			err = a.ClearCache(ctx)
		} else {
			err = a.CacheInfo(ctx)
		}
	}
	return exitError(err)
}

// exitError maps err onto the process exit code.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return exitErr
	case errors.Is(err, profile.ErrNoProfile):
		return &ExitError{Code: ExitNoProfile, Message: err.Error()}
	case errors.Is(err, config.ErrInvalid):
		return &ExitError{Code: ExitUsage, Message: err.Error()}
	default:
		return &ExitError{Code: ExitFailure, Message: err.Error()}
	}
}
