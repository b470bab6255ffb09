package hclutil

import (
	"os"
	"sort"

	"github.com/vk/albo/internal/fsutil"
)

// FindFiles returns the sorted, de-duplicated .hcl files under every path.
// Paths that do not exist are ignored; a path naming a single .hcl file is
// returned as is.
func FindFiles(paths ...string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, path := range paths {
		files, err := fsutil.FindFilesByExtension(path, ".hcl")
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
