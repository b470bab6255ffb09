package profile

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/vk/albo/internal/nifti"
)

// SelectBest returns the applicable profile that uses the most of the
// available sequences. A profile applies when every sequence it requires is
// available. Ties go to the profile whose name sorts first. It returns nil
// when nothing applies.
func SelectBest(profiles []*Profile, available []string) *Profile {
	have := make(map[string]bool, len(available))
	for _, s := range available {
		have[s] = true
	}

	candidates := make([]*Profile, len(profiles))
	copy(candidates, profiles)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })

	var best *Profile
	bestScore := -1
	for _, p := range candidates {
		score := 0
		applicable := true
		for _, s := range p.Sequences {
			if !have[s] {
				applicable = false
				break
			}
			score++
		}
		if applicable && score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

// Issue is one consistency problem in a profile.
type Issue struct {
	Field   string
	Message string
}

func (i Issue) String() string { return i.Field + ": " + i.Message }

// CheckConsistency reports every reason p cannot run: a base sequence the
// profile does not require, a pixel spacing that is not three positive
// entries, a required sequence without an intensity model, a referenced model
// file that does not exist, a feature over a sequence the profile does not
// require, or a metadata fix that does not parse. An empty result means the
// profile is consistent.
func CheckConsistency(p *Profile) []Issue {
	var issues issueList

	if !p.Requires(p.RegistrationBase) {
		issues.add("registration_base", "%q is not one of the profile's sequences", p.RegistrationBase)
	}
	if !p.Requires(p.SkullstrippingBase) {
		issues.add("skullstripping_base", "%q is not one of the profile's sequences", p.SkullstrippingBase)
	}
	if len(p.PixelSpacing) != 3 {
		issues.add("pixel_spacing", "expected 3 entries, got %d", len(p.PixelSpacing))
	}
	for i, s := range p.PixelSpacing {
		if s <= 0 {
			issues.add("pixel_spacing", "entry %d must be positive, got %g", i, s)
		}
	}

	for _, seq := range p.Sequences {
		if _, ok := p.IntensityModels[seq]; !ok {
			issues.add("intensity_models", "no model for sequence %q", seq)
		}
	}
	for _, seq := range sortedKeys(p.IntensityModels) {
		if path := p.IntensityModels[seq]; !isFile(path) {
			issues.add("intensity_models", "model for sequence %q not found at %s", seq, path)
		}
	}
	if !isFile(p.ModelFile) {
		issues.add("model_file", "not found at %q", p.ModelFile)
	}

	for i, f := range p.Features {
		if !p.Requires(f.Sequence) {
			issues.add("feature", "entry %d uses unknown sequence %q", i, f.Sequence)
		}
	}
	for _, fix := range p.MetadataFixes {
		if _, err := nifti.ParseMetadataTask(fix); err != nil {
			issues.add("metadata_fixes", "%v", err)
		}
	}
	return issues
}

// Lint reports declarations that are suspicious but do not stop a run from
// being attempted.
func Lint(p *Profile) []Issue {
	var issues issueList

	if len(p.Sequences) == 0 {
		issues.add("sequences", "no sequences declared")
	}
	for _, seq := range sortedKeys(p.IntensityModels) {
		if !p.Requires(seq) {
			issues.add("intensity_models", "model declared for unknown sequence %q", seq)
		}
	}
	if len(p.Features) == 0 {
		issues.add("feature", "no features declared")
	}
	for i, f := range p.Features {
		if f.Function == "" {
			issues.add("feature", "entry %d has no function", i)
		}
	}
	return issues
}

type issueList []Issue

func (l *issueList) add(field, format string, args ...any) {
	*l = append(*l, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Describe writes one line per profile with its required sequences.
func Describe(w io.Writer, profiles []*Profile) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROFILE\tSEQUENCES")
	for _, p := range profiles {
		fmt.Fprintf(tw, "%s\t%s\n", p.Name, strings.Join(p.Sequences, ", "))
	}
	return tw.Flush()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
