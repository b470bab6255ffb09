package operation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vk/albo/internal/config"
	"github.com/vk/albo/internal/memo"
)

// ToolSpec is the fixed input/output contract of an external tool. The
// command line that fulfils it comes from configuration.
type ToolSpec struct {
	Name    string
	Inputs  []memo.InputSpec
	Outputs []memo.OutputSpec
}

func file(name string) memo.InputSpec   { return memo.InputSpec{Name: name, Kind: memo.KindFile} }
func str(name string) memo.InputSpec    { return memo.InputSpec{Name: name, Kind: memo.KindString} }
func list(name string) memo.InputSpec   { return memo.InputSpec{Name: name, Kind: memo.KindList} }
func number(name string) memo.InputSpec { return memo.InputSpec{Name: name, Kind: memo.KindNumber} }

func optional(s memo.InputSpec) memo.InputSpec {
	s.Optional = true
	return s
}

func out(name, file string) memo.OutputSpec { return memo.OutputSpec{Name: name, File: file} }

// Specs lists the contract of every external tool the pipeline drives.
var Specs = map[string]ToolSpec{
	config.ToolResample: {
		Inputs:  []memo.InputSpec{file("in_file"), list("spacing"), number("order")},
		Outputs: []memo.OutputSpec{out("out_file", "resampled.nii.gz")},
	},
	config.ToolRegister: {
		Inputs:  []memo.InputSpec{file("in_file"), file("reference")},
		Outputs: []memo.OutputSpec{out("out_file", "registered.nii.gz"), out("out_matrix", "registered.mat")},
	},
	config.ToolSkullstrip: {
		Inputs:  []memo.InputSpec{file("in_file")},
		Outputs: []memo.OutputSpec{out("out_file", "brain.nii.gz"), out("mask_file", "brain_mask.nii.gz")},
	},
	config.ToolBiasCorrect: {
		Inputs:  []memo.InputSpec{file("in_file"), file("mask_file")},
		Outputs: []memo.OutputSpec{out("out_file", "corrected.nii.gz")},
	},
	config.ToolStandardize: {
		Inputs: []memo.InputSpec{
			file("in_file"), file("mask_file"), file("model"),
			optional(memo.InputSpec{Name: "ignore", Kind: memo.KindFlag}),
		},
		Outputs: []memo.OutputSpec{out("out_file", "standardized.nii.gz")},
	},
	config.ToolExtractFeature: {
		Inputs: []memo.InputSpec{
			file("in_file"), file("mask_file"), str("function"), str("params"),
			optional(list("spacing")),
		},
		Outputs: []memo.OutputSpec{out("out_file", "feature.npy")},
	},
	config.ToolClassify: {
		Inputs:  []memo.InputSpec{file("model"), file("features")},
		Outputs: []memo.OutputSpec{out("out_file", "probabilities.npy")},
	},
	config.ToolInvertTransform: {
		Inputs:  []memo.InputSpec{file("in_file")},
		Outputs: []memo.OutputSpec{out("out_file", "inverse.mat")},
	},
	config.ToolApplyTransform: {
		Inputs:  []memo.InputSpec{file("in_file"), file("reference"), file("matrix")},
		Outputs: []memo.OutputSpec{out("out_file", "transformed.nii.gz")},
	},
	config.ToolAffineRegister: {
		Inputs:  []memo.InputSpec{file("in_file"), file("reference"), optional(file("fmask_file"))},
		Outputs: []memo.OutputSpec{out("out_file", "affine.nii.gz"), out("out_matrix", "affine.txt")},
	},
	config.ToolDeformableRegister: {
		Inputs:  []memo.InputSpec{file("in_file"), file("reference"), file("affine"), optional(file("fmask_file"))},
		Outputs: []memo.OutputSpec{out("out_file", "deformed.nii.gz"), out("out_cpp", "cpp.nii.gz")},
	},
	config.ToolResampleTransform: {
		Inputs:  []memo.InputSpec{file("in_file"), file("reference"), file("transform")},
		Outputs: []memo.OutputSpec{out("out_file", "standard.nii.gz")},
	},
}

func init() {
	for name, s := range Specs {
		s.Name = name
		Specs[name] = s
	}
}

// Set holds one bound Tool per external tool name.
type Set struct {
	tools map[string]*Tool
}

// NewSet binds every known tool contract to its configured command. All
// problems are reported together.
func NewSet(cmds map[string]config.Tool) (*Set, error) {
	names := make([]string, 0, len(Specs))
	for name := range Specs {
		names = append(names, name)
	}
	sort.Strings(names)

	s := &Set{tools: make(map[string]*Tool, len(names))}
	var errs []error
	for _, name := range names {
		cmd, ok := cmds[name]
		if !ok {
			errs = append(errs, fmt.Errorf("tool %q is not configured", name))
			continue
		}
		t, err := NewTool(Specs[name], cmd)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.tools[name] = t
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, errors.Join(errs...))
	}
	return s, nil
}

// Tool returns the bound tool registered under name. It panics on unknown
// names, which are programming errors.
func (s *Set) Tool(name string) *Tool {
	t, ok := s.tools[name]
	if !ok {
		panic(fmt.Sprintf("operation: unknown tool %q", name))
	}
	return t
}

// Operation returns the tool registered under name as a memo.Operation.
func (s *Set) Operation(name string) memo.Operation { return s.Tool(name) }
