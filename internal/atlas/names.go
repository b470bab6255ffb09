package atlas

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vk/albo/internal/fsutil"
)

// LoadNames reads the region name table next to the atlas at path:
// "<base>.csv" with id,name rows or "<base>.txt" with whitespace separated
// id and name. Lines whose first field is not an integer, such as a header,
// are ignored. A missing table yields an empty map.
func LoadNames(path string) (map[int]string, error) {
	base := filepath.Join(filepath.Dir(path), fsutil.StripExt(path))

	f, err := os.Open(base + ".csv")
	if err == nil {
		defer f.Close()
		return parseCSVNames(f)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err = os.Open(base + ".txt")
	if err == nil {
		defer f.Close()
		return parseTextNames(f)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return map[int]string{}, nil
}

func parseCSVNames(r io.Reader) (map[int]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	names := make(map[int]string)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 2 {
			continue
		}
		if id, err := strconv.Atoi(strings.TrimSpace(rec[0])); err == nil {
			names[id] = strings.TrimSpace(rec[1])
		}
	}
}

func parseTextNames(r io.Reader) (map[int]string, error) {
	names := make(map[int]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		if id, err := strconv.Atoi(fields[0]); err == nil {
			names[id] = strings.Join(fields[1:], " ")
		}
	}
	return names, sc.Err()
}
