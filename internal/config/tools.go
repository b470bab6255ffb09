package config

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// TemplateFuncs are available inside tool argument templates.
var TemplateFuncs = template.FuncMap{
	"join": strings.Join,
}

// Names of the external tools the pipeline drives.
const (
	ToolResample           = "resample"
	ToolRegister           = "register"
	ToolSkullstrip         = "skullstrip"
	ToolBiasCorrect        = "bias_correct"
	ToolStandardize        = "standardize"
	ToolExtractFeature     = "extract_feature"
	ToolClassify           = "classify"
	ToolInvertTransform    = "invert_transform"
	ToolApplyTransform     = "apply_transform"
	ToolAffineRegister     = "affine_register"
	ToolDeformableRegister = "deformable_register"
	ToolResampleTransform  = "resample_transform"
)

// Conditions an adapter can classify a failed tool run into.
const (
	ConditionInformationLoss = "information_loss"
	ConditionUnsupportedFlag = "unsupported_flag"
)

// RequiredTools lists the tools a full pipeline run may invoke.
var RequiredTools = []string{
	ToolResample, ToolRegister, ToolSkullstrip, ToolBiasCorrect, ToolStandardize,
	ToolExtractFeature, ToolClassify, ToolInvertTransform, ToolApplyTransform,
	ToolAffineRegister, ToolDeformableRegister, ToolResampleTransform,
}

// Tool describes how to launch one external command. Every entry of Args is
// a text/template rendered with the invocation's inputs and output paths;
// entries that render to an empty string are dropped. Conditions maps a
// condition name to stderr markers that identify it. Version is folded into
// every fingerprint, so bumping it invalidates cached results of the tool.
type Tool struct {
	Command    string
	Args       []string
	Conditions map[string][]string
	Version    string
}

// Validate checks that the command is set and every argument template parses.
func (t Tool) Validate() error {
	if t.Command == "" {
		return errors.New("command must not be empty")
	}
	for i, a := range t.Args {
		if _, err := template.New("arg").Funcs(TemplateFuncs).Parse(a); err != nil {
			return fmt.Errorf("args[%d]: %w", i, err)
		}
	}
	for name := range t.Conditions {
		switch name {
		case ConditionInformationLoss, ConditionUnsupportedFlag:
		default:
			return fmt.Errorf("unknown condition %q", name)
		}
	}
	return nil
}

// DefaultTools returns the stock command lines. They assume FSL, CMTK,
// NiftyReg, MedPy and the albo helper scripts are on PATH.
func DefaultTools() map[string]Tool {
	return map[string]Tool{
		ToolResample: {
			Command: "medpy_resample.py",
			Args:    []string{"{{.in_file}}", "{{.out_file}}", "{{join .spacing \",\"}}", "-o", "{{.order}}"},
		},
		ToolRegister: {
			Command: "flirt",
			Args: []string{
				"-in", "{{.in_file}}", "-ref", "{{.reference}}",
				"-out", "{{.out_file}}", "-omat", "{{.out_matrix}}",
				"-cost", "mutualinfo", "-searchcost", "mutualinfo",
			},
		},
		ToolSkullstrip: {
			Command: "bet",
			Args:    []string{"{{.in_file}}", "{{.out_file}}", "-m", "-R"},
		},
		ToolBiasCorrect: {
			Command: "cmtk",
			Args:    []string{"mrbias", "--mask", "{{.mask_file}}", "{{.in_file}}", "{{.out_file}}"},
		},
		ToolStandardize: {
			Command: "albo-intensity-standardization",
			Args: []string{
				"--load-model", "{{.model}}", "--mask", "{{.mask_file}}",
				"{{if .ignore}}--ignore{{end}}", "{{.in_file}}", "{{.out_file}}",
			},
			Conditions: map[string][]string{
				ConditionInformationLoss: {"InformationLossException"},
				ConditionUnsupportedFlag: {"unrecognized arguments"},
			},
		},
		ToolExtractFeature: {
			Command: "albo-extract-feature",
			Args: []string{
				"{{.in_file}}", "{{.mask_file}}", "{{.out_file}}", "{{.function}}", "{{.params}}",
				"{{if .spacing}}--spacing={{join .spacing \",\"}}{{end}}",
			},
		},
		ToolClassify: {
			Command: "albo-apply-forest",
			Args:    []string{"{{.model}}", "{{.features}}", "{{.out_file}}"},
		},
		ToolInvertTransform: {
			Command: "convert_xfm",
			Args:    []string{"-omat", "{{.out_file}}", "-inverse", "{{.in_file}}"},
		},
		ToolApplyTransform: {
			Command: "flirt",
			Args: []string{
				"-in", "{{.in_file}}", "-ref", "{{.reference}}", "-applyxfm", "-init", "{{.matrix}}",
				"-interp", "nearestneighbour", "-out", "{{.out_file}}",
			},
		},
		ToolAffineRegister: {
			Command: "reg_aladin",
			Args: []string{
				"-ref", "{{.reference}}", "-flo", "{{.in_file}}",
				"{{if .fmask_file}}-fmask{{end}}", "{{.fmask_file}}", "{{if .fmask_file}}-sym{{end}}",
				"-aff", "{{.out_matrix}}", "-res", "{{.out_file}}",
			},
		},
		ToolDeformableRegister: {
			Command: "reg_f3d",
			Args: []string{
				"-ref", "{{.reference}}", "-flo", "{{.in_file}}", "-aff", "{{.affine}}",
				"{{if .fmask_file}}-fmask{{end}}", "{{.fmask_file}}",
				"-cpp", "{{.out_cpp}}", "-res", "{{.out_file}}",
			},
		},
		ToolResampleTransform: {
			Command: "reg_resample",
			Args:    []string{"-ref", "{{.reference}}", "-flo", "{{.in_file}}", "-trans", "{{.transform}}", "-inter", "0", "-res", "{{.out_file}}"},
		},
	}
}
