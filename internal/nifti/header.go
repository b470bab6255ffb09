// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). Only the parts of the format the pipeline touches are modelled:
// the 348-byte header, 3D voxel data in the common integer and float
// datatypes, and the qform/sform orientation fields.
//
// Voxel data is always held as float64 in storage order (x fastest, then y,
// then z), regardless of the on-disk datatype. Callers choose the on-disk
// datatype when writing.
package nifti

import "fmt"

// HeaderSize is the size of a NIfTI-1 header in bytes.
const HeaderSize = 348

// Header mirrors the on-disk NIfTI-1 header. Field order and sizes match the
// file layout, so the struct can be read and written with encoding/binary.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Datatype codes supported by this package.
const (
	Uint8   int16 = 2
	Int16   int16 = 4
	Int32   int16 = 8
	Float32 int16 = 16
	Float64 int16 = 64
	Int8    int16 = 256
	Uint16  int16 = 512
	Uint32  int16 = 768
)

// bytesPer returns the voxel size in bytes for a datatype code.
func bytesPer(datatype int16) (int, error) {
	switch datatype {
	case Uint8, Int8:
		return 1, nil
	case Int16, Uint16:
		return 2, nil
	case Int32, Uint32, Float32:
		return 4, nil
	case Float64:
		return 8, nil
	default:
		return 0, fmt.Errorf("nifti: unsupported datatype %d", datatype)
	}
}

// defaultHeader returns a minimal valid header for a 3D volume.
func defaultHeader(dim [3]int, spacing [3]float64) Header {
	h := Header{SizeofHdr: HeaderSize, VoxOffset: 352, Magic: [4]byte{'n', '+', '1', 0}}
	h.Dim = [8]int16{3, int16(dim[0]), int16(dim[1]), int16(dim[2]), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(spacing[0]), float32(spacing[1]), float32(spacing[2]), 1, 1, 1, 1}
	h.XYZTUnits = 2 // mm
	return h
}
