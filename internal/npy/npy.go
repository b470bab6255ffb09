// Package npy reads and writes NumPy .npy arrays of up to two dimensions.
// Feature extractors and the classifier exchange per-voxel vectors in this
// format; values are held as float64 in C (row-major) order.
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/vk/albo/internal/fsutil"
)

var magic = []byte("\x93NUMPY")

// Array is a decoded .npy array.
type Array struct {
	Shape []int
	Data  []float64
}

// Rows returns the first dimension, or 0 for an empty shape.
func (a *Array) Rows() int {
	if len(a.Shape) == 0 {
		return 0
	}
	return a.Shape[0]
}

// Cols returns the second dimension, or 1 for a vector.
func (a *Array) Cols() int {
	if len(a.Shape) < 2 {
		return 1
	}
	return a.Shape[1]
}

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']+)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// ReadFile decodes the array stored at path.
func ReadFile(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	a, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return a, nil
}

// Decode reads a version 1.x, 2.x or 3.x .npy stream.
func Decode(r io.Reader) (*Array, error) {
	pre := make([]byte, 8)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, fmt.Errorf("npy: read preamble: %w", err)
	}
	if !bytes.Equal(pre[:6], magic) {
		return nil, errors.New("npy: bad magic")
	}

	var headerLen int
	switch pre[6] {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("npy: unsupported version %d.%d", pre[6], pre[7])
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("npy: read header: %w", err)
	}

	descr, shape, err := parseHeader(string(header))
	if err != nil {
		return nil, err
	}

	n := 1
	for _, d := range shape {
		n *= d
	}

	order, size, conv, err := decoderFor(descr)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, n*size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("npy: read data: %w", err)
	}

	data := make([]float64, n)
	for i := range data {
		data[i] = conv(raw[i*size:(i+1)*size], order)
	}
	return &Array{Shape: shape, Data: data}, nil
}

func parseHeader(h string) (string, []int, error) {
	m := descrRe.FindStringSubmatch(h)
	if m == nil {
		return "", nil, errors.New("npy: header lacks descr")
	}
	descr := m[1]

	if f := fortranRe.FindStringSubmatch(h); f != nil && f[1] == "True" {
		return "", nil, errors.New("npy: fortran-ordered arrays are not supported")
	}

	s := shapeRe.FindStringSubmatch(h)
	if s == nil {
		return "", nil, errors.New("npy: header lacks shape")
	}
	var shape []int
	for _, part := range strings.Split(s[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return "", nil, fmt.Errorf("npy: invalid shape %q", s[1])
		}
		shape = append(shape, d)
	}
	if len(shape) > 2 {
		return "", nil, fmt.Errorf("npy: %d-dimensional arrays are not supported", len(shape))
	}
	return descr, shape, nil
}

type convFunc func([]byte, binary.ByteOrder) float64

func decoderFor(descr string) (binary.ByteOrder, int, convFunc, error) {
	if len(descr) < 3 {
		return nil, 0, nil, fmt.Errorf("npy: invalid descr %q", descr)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if descr[0] == '>' {
		order = binary.BigEndian
	}

	switch descr[1:] {
	case "f4":
		return order, 4, func(b []byte, o binary.ByteOrder) float64 { return float64(math.Float32frombits(o.Uint32(b))) }, nil
	case "f8":
		return order, 8, func(b []byte, o binary.ByteOrder) float64 { return math.Float64frombits(o.Uint64(b)) }, nil
	case "u1", "b1":
		return order, 1, func(b []byte, _ binary.ByteOrder) float64 { return float64(b[0]) }, nil
	case "i2":
		return order, 2, func(b []byte, o binary.ByteOrder) float64 { return float64(int16(o.Uint16(b))) }, nil
	case "i4":
		return order, 4, func(b []byte, o binary.ByteOrder) float64 { return float64(int32(o.Uint32(b))) }, nil
	case "i8":
		return order, 8, func(b []byte, o binary.ByteOrder) float64 { return float64(int64(o.Uint64(b))) }, nil
	}
	return nil, 0, nil, fmt.Errorf("npy: unsupported dtype %q", descr)
}

// WriteFile stores a float32 array at path atomically.
func WriteFile(path string, a *Array) error {
	var buf bytes.Buffer
	if err := Encode(&buf, a); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// Encode writes a as a version 1.0 little-endian float32 array.
func Encode(w io.Writer, a *Array) error {
	n := 1
	dims := make([]string, len(a.Shape))
	for i, d := range a.Shape {
		n *= d
		dims[i] = strconv.Itoa(d)
	}
	if n != len(a.Data) {
		return fmt.Errorf("npy: data length %d does not match shape %v", len(a.Data), a.Shape)
	}

	shape := strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shape)
	// preamble (10 bytes) + header + newline must be a multiple of 64
	pad := 64 - (10+len(header)+1)%64
	header += strings.Repeat(" ", pad%64) + "\n"

	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	for _, v := range a.Data {
		_ = binary.Write(&buf, binary.LittleEndian, math.Float32bits(float32(v)))
	}
	_, err := w.Write(buf.Bytes())
	return err
}
