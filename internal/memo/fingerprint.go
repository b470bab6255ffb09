package memo

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const fingerprintSchema = "albo-memo-v1"

// Fingerprint policies.
const (
	PolicyContent = "content"
	PolicyStat    = "stat"
)

// Fingerprinter derives cache keys.
type Fingerprinter struct {
	Policy string
}

// Fingerprint returns the hex SHA-256 key for invoking d with in. Inputs are
// encoded in name order with length-prefixed fields, so no two distinct
// invocations share an encoding. in must already satisfy d.Validate.
func (f Fingerprinter) Fingerprint(d Descriptor, in Inputs) (string, error) {
	h := sha256.New()
	writeField(h, fingerprintSchema)
	writeField(h, d.Name)
	writeField(h, d.Version)

	names := make([]string, 0, len(in))
	for name := range in {
		if spec, ok := d.Input(name); ok && spec.Cosmetic {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	writeField(h, strconv.Itoa(len(names)))
	for _, name := range names {
		writeField(h, name)
		if err := f.writeValue(h, in[name]); err != nil {
			return "", fmt.Errorf("fingerprint input %q: %w", name, err)
		}
	}

	outs := append([]OutputSpec(nil), d.Outputs...)
	sort.Slice(outs, func(i, j int) bool { return outs[i].Name < outs[j].Name })
	writeField(h, strconv.Itoa(len(outs)))
	for _, o := range outs {
		writeField(h, o.Name)
		writeField(h, o.File)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (f Fingerprinter) writeValue(h hash.Hash, v Value) error {
	writeField(h, v.Kind().String())
	switch v.Kind() {
	case KindFile:
		id, err := f.fileIdentity(v.Path())
		if err != nil {
			return err
		}
		writeField(h, id)
	case KindList:
		writeField(h, strconv.Itoa(len(v.Items())))
		for _, item := range v.Items() {
			if err := f.writeValue(h, item); err != nil {
				return err
			}
		}
	default:
		writeField(h, v.Text())
	}
	return nil
}

func (f Fingerprinter) fileIdentity(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", path)
	}

	if f.Policy == PolicyStat {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("stat:%s:%d:%d", abs, info.Size(), info.ModTime().UnixNano()), nil
	}

	digest, err := DigestFile(path)
	if err != nil {
		return "", err
	}
	return "sha256:" + digest, nil
}

// DigestFile returns the hex SHA-256 of the file's contents.
func DigestFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
