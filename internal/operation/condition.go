// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package operation provides everything the execution cache can run: the
// adapter that drives external image-processing commands, and the native Go
// image operations.
//
// The adapter never lets raw process output leak to callers as the basis for
// decisions. A failed run is mapped onto a small, fixed set of conditions
// (information loss, unsupported flag, tool missing, generic failure), each
// with its own sentinel error, so the pipeline can branch with errors.Is
// instead of matching strings.
package operation

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classified tool failures.
var (
	ErrFailed          = errors.New("external operation failed")
	ErrInformationLoss = errors.New("intensity mapping would lose information")
	ErrUnsupportedFlag = errors.New("tool rejected an unsupported flag")
	ErrToolNotFound    = errors.New("tool not found")
)

// Condition classifies a failed tool run.
type Condition int

const (
	Failed Condition = iota
	InformationLoss
	UnsupportedFlag
	NotFound
)

func (c Condition) String() string {
	switch c {
	case InformationLoss:
		return "information_loss"
	case UnsupportedFlag:
		return "unsupported_flag"
	case NotFound:
		return "not_found"
	default:
		return "failed"
	}
}

func (c Condition) sentinel() error {
	switch c {
	case InformationLoss:
		return ErrInformationLoss
	case UnsupportedFlag:
		return ErrUnsupportedFlag
	case NotFound:
		return ErrToolNotFound
	default:
		return ErrFailed
	}
}

// ToolError describes a failed external command.
type ToolError struct {
	Tool      string
	Condition Condition
	ExitCode  int
	Stderr    string
	Err       error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Tool, e.Condition.sentinel())
	if e.ExitCode > 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if tail := lastLine(e.Stderr); tail != "" {
		fmt.Fprintf(&b, ": %s", tail)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the condition sentinel and the underlying error.
func (e *ToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Condition.sentinel()}
	}
	return []error{e.Condition.sentinel(), e.Err}
}

// classify picks the first condition whose markers appear in the output.
// Information loss is checked before unsupported flags.
func classify(output string, markers map[string][]string) Condition {
	for _, c := range []Condition{InformationLoss, UnsupportedFlag} {
		for _, m := range markers[c.String()] {
			if m != "" && strings.Contains(output, m) {
				return c
			}
		}
	}
	return Failed
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
