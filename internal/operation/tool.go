package operation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/memo"
)

// outputLimit caps how much of a tool's stdout and stderr is kept.
const outputLimit = 64 << 10

// Tool runs one configured external command as a cache operation.
type Tool struct {
	desc memo.Descriptor
	cmd  config.Tool
	args []*template.Template
}

// NewTool binds a command definition to the input/output contract of spec.
func NewTool(spec ToolSpec, cmd config.Tool) (*Tool, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("tool %q: %w", spec.Name, err)
	}

	args := make([]*template.Template, len(cmd.Args))
	for i, a := range cmd.Args {
		tmpl, err := template.New(fmt.Sprintf("%s[%d]", spec.Name, i)).
			Funcs(config.TemplateFuncs).
			Option("missingkey=error").
			Parse(a)
		if err != nil {
			return nil, fmt.Errorf("tool %q: args[%d]: %w", spec.Name, i, err)
		}
		args[i] = tmpl
	}

	inputs := append([]memo.InputSpec(nil), spec.Inputs...)
	inputs = append(inputs, memo.InputSpec{Name: "label", Kind: memo.KindString, Optional: true, Cosmetic: true})

	return &Tool{
		desc: memo.Descriptor{
			Name:    spec.Name,
			Version: cmd.Version + "|" + strings.Join(cmd.Args, "\x1f"),
			Inputs:  inputs,
			Outputs: spec.Outputs,
		},
		cmd:  cmd,
		args: args,
	}, nil
}

// Descriptor implements memo.Operation.
func (t *Tool) Descriptor() memo.Descriptor { return t.desc }

// Argv renders the full command line for call.
func (t *Tool) Argv(call *memo.Call) ([]string, error) {
	data := make(map[string]any, len(t.desc.Inputs)+len(t.desc.Outputs)+1)
	for _, in := range t.desc.Inputs {
		v, ok := call.Inputs[in.Name]
		switch {
		case ok:
			data[in.Name] = v.Native()
		case in.Kind == memo.KindFlag:
			data[in.Name] = false
		case in.Kind == memo.KindList:
			data[in.Name] = []string(nil)
		default:
			data[in.Name] = ""
		}
	}
	for _, o := range t.desc.Outputs {
		data[o.Name] = call.Output(o.Name)
	}
	data["dir"] = call.Dir

	argv := []string{t.cmd.Command}
	for _, tmpl := range t.args {
		var b strings.Builder
		if err := tmpl.Execute(&b, data); err != nil {
			return nil, fmt.Errorf("render %s: %w", tmpl.Name(), err)
		}
		if s := b.String(); s != "" {
			argv = append(argv, s)
		}
	}
	return argv, nil
}

// Run executes the command in the call's working directory and classifies
// any failure.
func (t *Tool) Run(ctx context.Context, call *memo.Call) error {
	argv, err := t.Argv(call)
	if err != nil {
		return err
	}
	logger := ctxlog.FromContext(ctx).With("tool", t.desc.Name)
	if label := call.Inputs["label"].Text(); label != "" {
		logger = logger.With("label", label)
	}
	logger.Debug("Executing external command.", "argv", argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = call.Dir
	stdout := &tailBuffer{limit: outputLimit}
	stderr := &tailBuffer{limit: outputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	start := time.Now()
	runErr := cmd.Run()
	logger.Debug("External command returned.", "elapsed", time.Since(start), "error", runErr)
	if runErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", t.desc.Name, ctx.Err())
	}

	te := &ToolError{Tool: t.desc.Name, Stderr: stderr.String(), Err: runErr}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runErr, exec.ErrNotFound):
		te.Condition = NotFound
	case errors.As(runErr, &exitErr):
		te.ExitCode = exitErr.ExitCode()
		te.Condition = classify(stderr.String()+"\n"+stdout.String(), t.cmd.Conditions)
	default:
		te.Condition = Failed
	}
	logger.Debug("External command failed.", "condition", te.Condition.String(), "stderr", te.Stderr)
	return te
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string { return b.buf.String() }
