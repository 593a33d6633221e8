package iso8583

import (
	"fmt"
	"sort"
	"strings"
)

const (
	MaxField       = 128
	bitmapLen      = 8
	mtiLen         = 4
	secondaryField = 1
)

// FieldType is the character class of a field value.
type FieldType string

const (
	TypeNumeric      FieldType = "n"
	TypeAlpha        FieldType = "a"
	TypeAlphaNumeric FieldType = "an"
	TypeText         FieldType = "ans"
	TypeBinary       FieldType = "b"
)

// LengthKind selects fixed or variable length encoding.
type LengthKind string

const (
	LengthFixed  LengthKind = "fixed"
	LengthLLVar  LengthKind = "llvar"
	LengthLLLVar LengthKind = "lllvar"
)

// indicatorWidth returns the number of ASCII digits of the length prefix.
func (k LengthKind) indicatorWidth() int {
	switch k {
	case LengthLLVar:
		return 2
	case LengthLLLVar:
		return 3
	default:
		return 0
	}
}

// FieldSpec declares one typed slot. Max is the exact length for fixed fields
// and the upper bound for variable ones.
type FieldSpec struct {
	Number int
	Name   string
	Type   FieldType
	Length LengthKind
	Max    int
}

func (s FieldSpec) Validate() error {
	if s.Number < 2 || s.Number > MaxField {
		return fmt.Errorf("iso8583: field number %d out of range 2..%d", s.Number, MaxField)
	}
	switch s.Type {
	case TypeNumeric, TypeAlpha, TypeAlphaNumeric, TypeText, TypeBinary:
	default:
		return fmt.Errorf("iso8583: field %d: unknown type %q", s.Number, s.Type)
	}
	switch s.Length {
	case LengthFixed:
		if s.Max <= 0 {
			return fmt.Errorf("iso8583: field %d: fixed length must be positive", s.Number)
		}
	case LengthLLVar:
		if s.Max <= 0 || s.Max > 99 {
			return fmt.Errorf("iso8583: field %d: llvar max must be 1..99", s.Number)
		}
	case LengthLLLVar:
		if s.Max <= 0 || s.Max > 999 {
			return fmt.Errorf("iso8583: field %d: lllvar max must be 1..999", s.Number)
		}
	default:
		return fmt.Errorf("iso8583: field %d: unknown length kind %q", s.Number, s.Length)
	}
	return nil
}

// Dictionary maps field numbers to specs. It is immutable once built.
type Dictionary struct {
	specs [MaxField + 1]*FieldSpec
}

// NewDictionary validates specs and builds a dictionary. Duplicate numbers
// are rejected.
func NewDictionary(specs []FieldSpec) (*Dictionary, error) {
	d := &Dictionary{}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if d.specs[spec.Number] != nil {
			return nil, fmt.Errorf("iso8583: duplicate field %d", spec.Number)
		}
		s := spec
		d.specs[spec.Number] = &s
	}
	return d, nil
}

// With returns a copy of d with specs added or replaced.
func (d *Dictionary) With(specs []FieldSpec) (*Dictionary, error) {
	out := &Dictionary{}
	out.specs = d.specs
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		s := spec
		out.specs[spec.Number] = &s
	}
	return out, nil
}

// Spec returns the declaration for field n.
func (d *Dictionary) Spec(n int) (FieldSpec, bool) {
	if n < 0 || n > MaxField || d.specs[n] == nil {
		return FieldSpec{}, false
	}
	return *d.specs[n], true
}

// Specs returns all declarations in field order.
func (d *Dictionary) Specs() []FieldSpec {
	out := make([]FieldSpec, 0, MaxField)
	for _, s := range d.specs {
		if s != nil {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (d *Dictionary) String() string {
	parts := make([]string, 0, MaxField)
	for _, s := range d.Specs() {
		parts = append(parts, fmt.Sprintf("%d:%s/%s/%d", s.Number, s.Type, s.Length, s.Max))
	}
	return strings.Join(parts, " ")
}

// Field numbers the relay itself reads or writes.
const (
	FieldPAN                  = 2
	FieldProcessingCode       = 3
	FieldAmount               = 4
	FieldTransmissionDateTime = 7
	FieldSTAN                 = 11
	FieldLocalTime            = 12
	FieldLocalDate            = 13
	FieldAcquirerID           = 32
	FieldRRN                  = 37
	FieldResponseCode         = 39
	FieldTerminalID           = 41
	FieldNetworkCode          = 70
	FieldOriginalData         = 90
)

// DefaultDictionary is a generic ISO 8583:1987 style layout. It names common
// slots only; card-network specific dictionaries replace or extend it via
// LoadDictionaryFile.
func DefaultDictionary() *Dictionary {
	d, err := NewDictionary(defaultSpecs)
	if err != nil {
		panic(err)
	}
	return d
}

var defaultSpecs = []FieldSpec{
	{Number: 2, Name: "primary account number", Type: TypeNumeric, Length: LengthLLVar, Max: 19},
	{Number: 3, Name: "processing code", Type: TypeNumeric, Length: LengthFixed, Max: 6},
	{Number: 4, Name: "amount transaction", Type: TypeNumeric, Length: LengthFixed, Max: 12},
	{Number: 5, Name: "amount settlement", Type: TypeNumeric, Length: LengthFixed, Max: 12},
	{Number: 6, Name: "amount cardholder billing", Type: TypeNumeric, Length: LengthFixed, Max: 12},
	{Number: 7, Name: "transmission date time", Type: TypeNumeric, Length: LengthFixed, Max: 10},
	{Number: 11, Name: "system trace audit number", Type: TypeNumeric, Length: LengthFixed, Max: 6},
	{Number: 12, Name: "local transaction time", Type: TypeNumeric, Length: LengthFixed, Max: 6},
	{Number: 13, Name: "local transaction date", Type: TypeNumeric, Length: LengthFixed, Max: 4},
	{Number: 14, Name: "expiration date", Type: TypeNumeric, Length: LengthFixed, Max: 4},
	{Number: 15, Name: "settlement date", Type: TypeNumeric, Length: LengthFixed, Max: 4},
	{Number: 18, Name: "merchant type", Type: TypeNumeric, Length: LengthFixed, Max: 4},
	{Number: 19, Name: "acquiring institution country code", Type: TypeNumeric, Length: LengthFixed, Max: 3},
	{Number: 22, Name: "pos entry mode", Type: TypeNumeric, Length: LengthFixed, Max: 3},
	{Number: 23, Name: "card sequence number", Type: TypeNumeric, Length: LengthFixed, Max: 3},
	{Number: 25, Name: "pos condition code", Type: TypeNumeric, Length: LengthFixed, Max: 2},
	{Number: 32, Name: "acquiring institution id", Type: TypeNumeric, Length: LengthLLVar, Max: 11},
	{Number: 33, Name: "forwarding institution id", Type: TypeNumeric, Length: LengthLLVar, Max: 11},
	{Number: 35, Name: "track 2 data", Type: TypeText, Length: LengthLLVar, Max: 37},
	{Number: 37, Name: "retrieval reference number", Type: TypeAlphaNumeric, Length: LengthFixed, Max: 12},
	{Number: 38, Name: "authorization id response", Type: TypeAlphaNumeric, Length: LengthFixed, Max: 6},
	{Number: 39, Name: "response code", Type: TypeAlphaNumeric, Length: LengthFixed, Max: 2},
	{Number: 41, Name: "card acceptor terminal id", Type: TypeText, Length: LengthFixed, Max: 8},
	{Number: 42, Name: "card acceptor id code", Type: TypeText, Length: LengthFixed, Max: 15},
	{Number: 43, Name: "card acceptor name location", Type: TypeText, Length: LengthFixed, Max: 40},
	{Number: 44, Name: "additional response data", Type: TypeText, Length: LengthLLVar, Max: 25},
	{Number: 45, Name: "track 1 data", Type: TypeText, Length: LengthLLVar, Max: 76},
	{Number: 48, Name: "additional data private", Type: TypeText, Length: LengthLLLVar, Max: 999},
	{Number: 49, Name: "currency code transaction", Type: TypeNumeric, Length: LengthFixed, Max: 3},
	{Number: 50, Name: "currency code settlement", Type: TypeNumeric, Length: LengthFixed, Max: 3},
	{Number: 51, Name: "currency code cardholder billing", Type: TypeNumeric, Length: LengthFixed, Max: 3},
	{Number: 52, Name: "pin data", Type: TypeBinary, Length: LengthFixed, Max: 8},
	{Number: 53, Name: "security related control information", Type: TypeNumeric, Length: LengthFixed, Max: 16},
	{Number: 54, Name: "additional amounts", Type: TypeText, Length: LengthLLLVar, Max: 120},
	{Number: 55, Name: "icc data", Type: TypeBinary, Length: LengthLLLVar, Max: 255},
	{Number: 60, Name: "reserved national", Type: TypeText, Length: LengthLLLVar, Max: 999},
	{Number: 61, Name: "reserved private", Type: TypeText, Length: LengthLLLVar, Max: 999},
	{Number: 62, Name: "reserved private", Type: TypeText, Length: LengthLLLVar, Max: 999},
	{Number: 63, Name: "reserved private", Type: TypeText, Length: LengthLLLVar, Max: 999},
	{Number: 64, Name: "message authentication code", Type: TypeBinary, Length: LengthFixed, Max: 8},
	{Number: 70, Name: "network management information code", Type: TypeNumeric, Length: LengthFixed, Max: 3},
	{Number: 90, Name: "original data elements", Type: TypeNumeric, Length: LengthFixed, Max: 42},
	{Number: 95, Name: "replacement amounts", Type: TypeAlphaNumeric, Length: LengthFixed, Max: 42},
	{Number: 100, Name: "receiving institution id", Type: TypeNumeric, Length: LengthLLVar, Max: 11},
	{Number: 102, Name: "account identification 1", Type: TypeText, Length: LengthLLVar, Max: 28},
	{Number: 103, Name: "account identification 2", Type: TypeText, Length: LengthLLVar, Max: 28},
	{Number: 120, Name: "reserved private", Type: TypeText, Length: LengthLLLVar, Max: 999},
	{Number: 123, Name: "reserved private", Type: TypeText, Length: LengthLLLVar, Max: 999},
	{Number: 127, Name: "reserved private", Type: TypeText, Length: LengthLLLVar, Max: 999},
	{Number: 128, Name: "message authentication code", Type: TypeBinary, Length: LengthFixed, Max: 8},
}
