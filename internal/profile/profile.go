// Package profile loads and selects processing profiles. A profile names the
// sequences a trained classifier needs, how to preprocess them and which
// features to feed it. Profiles are declared in HCL:
//
//	profile "flair-t1-dw" {
//	  sequences           = ["flair_tra", "t1_sag_tfe", "dw_tra_b1000_dmean"]
//	  registration_base   = "flair_tra"
//	  skullstripping_base = "t1_sag_tfe"
//	  pixel_spacing       = [3, 3, 3]
//	  metadata_fixes      = ["qf=aff", "sf=aff", "qfc=1", "sfc=1"]
//	  model_file          = "forest.pkl"
//
//	  intensity_models = {
//	    flair_tra = "models/flair.pkl"
//	  }
//
//	  feature {
//	    sequence = "flair_tra"
//	    function = "local_mean_gauss"
//	    params   = { sigma = 3 }
//	    spacing  = true
//	  }
//	}
//
// Relative paths are resolved against the directory of the file that
// declares the profile. Profiles are immutable once loaded.
package profile

import (
	"errors"
	"slices"
)

// ErrNoProfile is returned when no profile applies to a case.
var ErrNoProfile = errors.New("no applicable profile")

// Feature is one feature extraction step.
type Feature struct {
	Sequence string
	Function string
	// Params is the canonical JSON of the function's keyword arguments.
	Params string
	// NeedsSpacing passes the profile's pixel spacing to the function.
	NeedsSpacing bool
}

// Profile is a loaded, read-only processing profile.
type Profile struct {
	Name               string
	Sequences          []string
	RegistrationBase   string
	SkullstrippingBase string
	// PixelSpacing is kept as declared; CheckConsistency reports any entry
	// count other than three.
	PixelSpacing    []float64
	IntensityModels map[string]string
	MetadataFixes   []string
	Features        []Feature
	ModelFile       string
	// Source is the file the profile was declared in.
	Source string
}

// Requires reports whether seq is one of the profile's sequences.
func (p *Profile) Requires(seq string) bool {
	_, found := slices.BinarySearch(p.Sequences, seq)
	return found
}

// Spacing returns the target voxel spacing. It is only meaningful when
// CheckConsistency reported no spacing issue.
func (p *Profile) Spacing() [3]float64 {
	var s [3]float64
	copy(s[:], p.PixelSpacing)
	return s
}

