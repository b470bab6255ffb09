package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/vk/albo/internal/fsutil"
)

// ReadFile loads a volume from path. Gzip compression is detected from the
// stream itself, not from the file name.
func ReadFile(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	v, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

// ReadHeader loads only the header of the volume at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	r, closeFn, err := maybeGunzip(f)
	if err != nil {
		return Header{}, err
	}
	defer closeFn()

	h, _, err := readHeader(r)
	if err != nil {
		return Header{}, fmt.Errorf("read %s: %w", path, err)
	}
	return h, nil
}

// Decode reads a single-file NIfTI-1 volume from r.
func Decode(src io.Reader) (*Volume, error) {
	r, closeFn, err := maybeGunzip(src)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	h, order, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	skip := int64(h.VoxOffset) - HeaderSize
	if skip < 0 {
		return nil, fmt.Errorf("nifti: invalid vox_offset %v", h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("nifti: skip extensions: %w", err)
	}

	dim, err := shapeOf(h)
	if err != nil {
		return nil, err
	}
	size, err := bytesPer(h.Datatype)
	if err != nil {
		return nil, err
	}

	n := dim[0] * dim[1] * dim[2]
	raw := make([]byte, n*size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("nifti: read voxel data: %w", err)
	}

	data := make([]float64, n)
	for i := range data {
		data[i] = decodeVoxel(raw[i*size:(i+1)*size], h.Datatype, order)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &Volume{Header: h, Dim: dim, Data: data}, nil
}

// WriteFile stores v at path using the given on-disk datatype. A ".gz"
// suffix selects gzip compression. The file is published atomically.
func WriteFile(path string, v *Volume, datatype int16) error {
	var buf bytes.Buffer
	if strings.HasSuffix(path, ".gz") {
		zw := gzip.NewWriter(&buf)
		if err := Encode(zw, v, datatype); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("nifti: compress: %w", err)
		}
	} else if err := Encode(&buf, v, datatype); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// Encode writes v to w as a little-endian single-file NIfTI-1 stream.
func Encode(w io.Writer, v *Volume, datatype int16) error {
	size, err := bytesPer(datatype)
	if err != nil {
		return err
	}
	if len(v.Data) != v.Dim[0]*v.Dim[1]*v.Dim[2] {
		return fmt.Errorf("nifti: data length %d does not match shape %v", len(v.Data), v.Dim)
	}

	h := v.Header
	h.SizeofHdr = HeaderSize
	h.Dim = [8]int16{3, int16(v.Dim[0]), int16(v.Dim[1]), int16(v.Dim[2]), 1, 1, 1, 1}
	h.Datatype = datatype
	h.Bitpix = int16(size * 8)
	h.VoxOffset = 352
	h.SclSlope = 1
	h.SclInter = 0
	h.Magic = [4]byte{'n', '+', '1', 0}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("nifti: write header: %w", err)
	}
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("nifti: write extension flag: %w", err)
	}

	raw := make([]byte, len(v.Data)*size)
	for i, val := range v.Data {
		encodeVoxel(raw[i*size:(i+1)*size], val, datatype)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("nifti: write voxel data: %w", err)
	}
	return nil
}

func maybeGunzip(src io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(src)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, nil, fmt.Errorf("nifti: %w", err)
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return br, func() {}, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("nifti: open gzip stream: %w", err)
	}
	return zr, func() { zr.Close() }, nil
}

func readHeader(r io.Reader) (Header, binary.ByteOrder, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, nil, fmt.Errorf("nifti: read header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[:4]) == HeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[:4]) == HeaderSize:
		order = binary.BigEndian
	default:
		return Header{}, nil, fmt.Errorf("nifti: not a NIfTI-1 file (sizeof_hdr mismatch)")
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw[:]), order, &h); err != nil {
		return Header{}, nil, fmt.Errorf("nifti: decode header: %w", err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return Header{}, nil, fmt.Errorf("nifti: unsupported magic %q, only single-file volumes are read", h.Magic[:3])
	}
	return h, order, nil
}

func shapeOf(h Header) ([3]int, error) {
	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return [3]int{}, fmt.Errorf("nifti: invalid dimension count %d", ndim)
	}
	dim := [3]int{1, 1, 1}
	for i := 1; i <= ndim; i++ {
		d := int(h.Dim[i])
		if d < 1 {
			return [3]int{}, fmt.Errorf("nifti: invalid size %d along axis %d", d, i)
		}
		if i <= 3 {
			dim[i-1] = d
		} else if d != 1 {
			return [3]int{}, fmt.Errorf("nifti: %d-dimensional volumes are not supported", ndim)
		}
	}
	return dim, nil
}

func decodeVoxel(b []byte, datatype int16, order binary.ByteOrder) float64 {
	switch datatype {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(order.Uint16(b)))
	case Uint16:
		return float64(order.Uint16(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case Uint32:
		return float64(order.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

func encodeVoxel(b []byte, val float64, datatype int16) {
	le := binary.LittleEndian
	switch datatype {
	case Uint8:
		b[0] = uint8(clampRound(val, 0, math.MaxUint8))
	case Int8:
		b[0] = byte(int8(clampRound(val, math.MinInt8, math.MaxInt8)))
	case Int16:
		le.PutUint16(b, uint16(int16(clampRound(val, math.MinInt16, math.MaxInt16))))
	case Uint16:
		le.PutUint16(b, uint16(clampRound(val, 0, math.MaxUint16)))
	case Int32:
		le.PutUint32(b, uint32(int32(clampRound(val, math.MinInt32, math.MaxInt32))))
	case Uint32:
		le.PutUint32(b, uint32(clampRound(val, 0, math.MaxUint32)))
	case Float32:
		le.PutUint32(b, math.Float32bits(float32(val)))
	case Float64:
		le.PutUint64(b, math.Float64bits(val))
	}
}

func clampRound(val, lo, hi float64) float64 {
	if math.IsNaN(val) {
		return 0
	}
	return math.Max(lo, math.Min(hi, math.Round(val)))
}
