package nifti

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderLayout(t *testing.T) {
	t.Parallel()
	require.Equal(t, HeaderSize, binary.Size(Header{}))
}

func TestWriteRead_RoundTripsDatatypes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		file     string
		datatype int16
		values   []float64
		want     []float64
	}{
		{name: "uint8 gz", file: "mask.nii.gz", datatype: Uint8, values: []float64{0, 1, 255, 300, -4, 1.6}, want: []float64{0, 1, 255, 255, 0, 2}},
		{name: "int16 plain", file: "t1.nii", datatype: Int16, values: []float64{-7, 0, 12, 1000, 3, 4}, want: []float64{-7, 0, 12, 1000, 3, 4}},
		{name: "float32 gz", file: "prob.nii.gz", datatype: Float32, values: []float64{0.25, 0.5, 0.75, 1, 0, 0.125}, want: []float64{0.25, 0.5, 0.75, 1, 0, 0.125}},
		{name: "float64", file: "f.nii", datatype: Float64, values: []float64{1e-9, 2, 3, 4, 5, 6}, want: []float64{1e-9, 2, 3, 4, 5, 6}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), tc.file)

			v := New([3]int{3, 2, 1}, [3]float64{1.5, 2, 3})
			copy(v.Data, tc.values)
			require.NoError(t, WriteFile(path, v, tc.datatype))

			got, err := ReadFile(path)
			require.NoError(t, err)
			require.Equal(t, [3]int{3, 2, 1}, got.Dim)
			require.Equal(t, [3]float64{1.5, 2, 3}, got.Spacing())
			require.Equal(t, tc.datatype, got.Header.Datatype)
			require.InDeltaSlice(t, tc.want, got.Data, 1e-9)
		})
	}
}

func TestDecode_BigEndianAndScaling(t *testing.T) {
	t.Parallel()

	h := defaultHeader([3]int{2, 1, 1}, [3]float64{1, 1, 1})
	h.Datatype = Int16
	h.Bitpix = 16
	h.SclSlope = 2
	h.SclInter = 1

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int16{3, -2}))

	v, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, []float64{7, -3}, v.Data)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := Decode(bytes.NewReader(make([]byte, 400)))
	require.ErrorContains(t, err, "not a NIfTI-1 file")
}

func TestReadHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "v.nii.gz")
	require.NoError(t, WriteFile(path, New([3]int{4, 5, 6}, [3]float64{0.5, 0.5, 2}), Uint8))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	require.Equal(t, int16(5), h.Dim[2])
	require.InDelta(t, 2.0, float64(h.Pixdim[3]), 1e-9)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestQformRoundTrip(t *testing.T) {
	t.Parallel()

	m := Matrix{
		{0, -2, 0, 10},
		{2, 0, 0, -5},
		{0, 0, 3, 7},
		{0, 0, 0, 1},
	}
	var h Header
	SetQform(&h, m)
	require.Equal(t, int16(2), h.QformCode)

	got := Qform(h)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			require.InDelta(t, m[i][j], got[i][j], 1e-5, "element %d,%d", i, j)
		}
	}
}

func TestModifyMetadata(t *testing.T) {
	t.Parallel()

	h := defaultHeader([3]int{2, 2, 2}, [3]float64{1, 2, 3})
	h.QformCode = 1

	require.NoError(t, ModifyMetadata(&h, []string{"sf=dia", "sfc=qfc", "qfc=4"}))
	require.Equal(t, int16(1), h.SformCode)
	require.Equal(t, int16(4), h.QformCode)
	require.Equal(t, [4]float32{1, 0, 0, 0}, h.SrowX)
	require.Equal(t, [4]float32{0, 0, 3, 0}, h.SrowZ)

	before := h
	err := ModifyMetadata(&h, []string{"qfc=2", "bogus=1"})
	require.ErrorContains(t, err, "unknown field")
	require.Equal(t, before, h, "no task applies when any task is invalid")
}

func TestParseMetadataTask(t *testing.T) {
	t.Parallel()

	valid := []string{"qfc=1", "sfc=0", "qfc=sfc", "sfc=qfc", "qf=aff", "qf=dia", "qf=sf", "sf=qf", "sf=aff"}
	for _, s := range valid {
		_, err := ParseMetadataTask(s)
		require.NoError(t, err, s)
	}

	invalid := []string{"qfc", "qfc=abc", "qf=qf", "sf=x", "xx=1"}
	for _, s := range invalid {
		_, err := ParseMetadataTask(s)
		require.Error(t, err, s)
	}
}
