// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package memo implements the content-addressed execution cache that every
// expensive pipeline task runs through.
//
// An Operation declares a Descriptor: its name, version, input schema and the
// files it produces. For each invocation the cache derives a fingerprint from
// the operation identity and the inputs the descriptor marks as semantic.
// Cosmetic inputs (labels, display names) reach the operation but never the
// fingerprint.
//
// A fingerprint hit returns the stored artifacts without running anything.
// A miss runs the operation inside a private scratch directory and, only if it
// succeeds and produced every declared output, publishes the directory under
// the fingerprint with a single rename. Failed or timed-out runs leave nothing
// behind, so the next call simply tries again.
//
// File identity is decided by the configured policy. The default hashes file
// contents, which is always correct. The stat policy trades that for speed by
// keying on path, size and modification time, and can return stale results if
// a file is rewritten in place within the timestamp resolution.
package memo

import (
	"fmt"
	"strconv"
)

// Kind is the type of an input value.
type Kind int

const (
	KindFile Kind = iota + 1
	KindNumber
	KindString
	KindFlag
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindFlag:
		return "flag"
	case KindList:
		return "list"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is one named input of an invocation.
type Value struct {
	kind Kind
	str  string
	num  float64
	flag bool
	list []Value
}

// File returns a file-valued input.
func File(path string) Value { return Value{kind: KindFile, str: path} }

// Number returns a numeric input.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// String returns a string input.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Flag returns a boolean input.
func Flag(b bool) Value { return Value{kind: KindFlag, flag: b} }

// List returns a list input. Element order is significant.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Numbers is shorthand for a list of numbers.
func Numbers(fs ...float64) Value {
	items := make([]Value, len(fs))
	for i, f := range fs {
		items[i] = Number(f)
	}
	return List(items...)
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Path returns the path of a file value.
func (v Value) Path() string { return v.str }

// Str returns the content of a string value.
func (v Value) Str() string { return v.str }

// Float returns the content of a number value.
func (v Value) Float() float64 { return v.num }

// Bool returns the content of a flag value.
func (v Value) Bool() bool { return v.flag }

// Items returns the elements of a list value.
func (v Value) Items() []Value { return v.list }

// Text renders a scalar as command-line text.
func (v Value) Text() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindFlag:
		return strconv.FormatBool(v.flag)
	default:
		return v.str
	}
}

// Native converts v for use in templates: lists become []string, flags
// stay bool and every other kind becomes its text.
func (v Value) Native() any {
	switch v.kind {
	case KindFlag:
		return v.flag
	case KindList:
		out := make([]string, len(v.list))
		for i, item := range v.list {
			out[i] = item.Text()
		}
		return out
	default:
		return v.Text()
	}
}

// Inputs maps input names to values.
type Inputs map[string]Value

// Result maps each declared output name to the absolute path of its artifact.
type Result map[string]string

// Path returns the artifact path of output name, or "" if it is not present.
func (r Result) Path(name string) string { return r[name] }
