package memo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

// InputSpec declares one input of an operation.
type InputSpec struct {
	Name     string
	Kind     Kind
	Optional bool
	// Cosmetic inputs are passed to the operation but excluded from the
	// fingerprint.
	Cosmetic bool
}

// OutputSpec declares one artifact an operation must create. File is the
// plain file name inside the working directory; Name is the key the artifact
// is returned under.
type OutputSpec struct {
	Name string
	File string
}

// Descriptor is the contract of an operation.
type Descriptor struct {
	Name    string
	Version string
	Inputs  []InputSpec
	Outputs []OutputSpec
}

// outputFiles maps output names to file names.
func (d Descriptor) outputFiles() map[string]string {
	out := make(map[string]string, len(d.Outputs))
	for _, o := range d.Outputs {
		out[o.Name] = o.File
	}
	return out
}

// Input returns the spec of the named input.
func (d Descriptor) Input(name string) (InputSpec, bool) {
	for _, in := range d.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

// Validate checks in against the input schema.
func (d Descriptor) Validate(in Inputs) error {
	var errs []error

	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec, ok := d.Input(name)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown input %q", name))
			continue
		}
		if got := in[name].Kind(); got != spec.Kind {
			errs = append(errs, fmt.Errorf("input %q must be a %s, got %s", name, spec.Kind, got))
		}
	}
	for _, spec := range d.Inputs {
		if _, ok := in[spec.Name]; !ok && !spec.Optional {
			errs = append(errs, fmt.Errorf("missing required input %q", spec.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w for %s: %w", ErrInvalidInputs, d.Name, errors.Join(errs...))
	}
	return nil
}

// Call is a single invocation handed to an Operation.
type Call struct {
	Inputs Inputs
	// Dir is the private working directory the outputs must be written to.
	Dir     string
	outputs map[string]string
}

// NewCall prepares an invocation of d. The cache builds calls itself; this
// is for running an operation directly.
func NewCall(d Descriptor, in Inputs, dir string) *Call {
	return &Call{Inputs: in, Dir: dir, outputs: d.outputFiles()}
}

// Output returns the path the named output must be written to. Undeclared
// names are used as the file name.
func (c *Call) Output(name string) string {
	if file, ok := c.outputs[name]; ok {
		return filepath.Join(c.Dir, file)
	}
	return filepath.Join(c.Dir, name)
}

// Operation is anything the cache can run.
type Operation interface {
	Descriptor() Descriptor
	Run(ctx context.Context, call *Call) error
}

// Errors returned by the cache.
var (
	ErrInvalidInputs = errors.New("invalid inputs")
	ErrMissingOutput = errors.New("operation did not produce a declared output")
	ErrTimeout       = errors.New("task timed out")
)
