package nifti

import (
	"fmt"
	"strconv"
	"strings"
)

// MetadataTask is one parsed "field=value" header fix.
//
//	qfc=<n|sfc>          set qform_code to n, or to the sform code
//	sfc=<n|qfc>          set sform_code to n, or to the qform code
//	qf=<dia|aff|sf>      set the qform from the spacing diagonal, the affine or the sform
//	sf=<dia|aff|qf>      set the sform from the spacing diagonal, the affine or the qform
type MetadataTask struct {
	Field string
	Value string
	Code  int16
}

var (
	codeSources   = map[string]string{"qfc": "sfc", "sfc": "qfc"}
	matrixSources = map[string]map[string]bool{
		"qf": {"dia": true, "aff": true, "sf": true},
		"sf": {"dia": true, "aff": true, "qf": true},
	}
)

// ParseMetadataTask validates a single "field=value" task.
func ParseMetadataTask(s string) (MetadataTask, error) {
	field, value, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok {
		return MetadataTask{}, fmt.Errorf("metadata task %q: expected field=value", s)
	}
	t := MetadataTask{Field: field, Value: value}

	if other, isCode := codeSources[field]; isCode {
		if value == other {
			return t, nil
		}
		n, err := strconv.ParseInt(value, 10, 16)
		if err != nil {
			return MetadataTask{}, fmt.Errorf("metadata task %q: value must be an integer code or %q", s, other)
		}
		t.Code = int16(n)
		return t, nil
	}

	sources, isMatrix := matrixSources[field]
	if !isMatrix {
		return MetadataTask{}, fmt.Errorf("metadata task %q: unknown field %q", s, field)
	}
	if !sources[value] {
		return MetadataTask{}, fmt.Errorf("metadata task %q: unknown source %q", s, value)
	}
	return t, nil
}

// ModifyMetadata applies the tasks to h in order. All tasks are parsed
// before any is applied.
func ModifyMetadata(h *Header, tasks []string) error {
	parsed := make([]MetadataTask, 0, len(tasks))
	for _, s := range tasks {
		t, err := ParseMetadataTask(s)
		if err != nil {
			return err
		}
		parsed = append(parsed, t)
	}

	for _, t := range parsed {
		switch t.Field {
		case "qfc":
			if t.Value == "sfc" {
				h.QformCode = h.SformCode
			} else {
				h.QformCode = t.Code
			}
		case "sfc":
			if t.Value == "qfc" {
				h.SformCode = h.QformCode
			} else {
				h.SformCode = t.Code
			}
		case "qf":
			SetQform(h, matrixFrom(*h, t.Value))
		case "sf":
			SetSform(h, matrixFrom(*h, t.Value))
		}
	}
	return nil
}

func matrixFrom(h Header, source string) Matrix {
	switch source {
	case "dia":
		return Diagonal(h)
	case "sf":
		return Sform(h)
	case "qf":
		return Qform(h)
	default:
		return Affine(h)
	}
}
