// Package pdf provides the minimal PDF object model and parsing needed to
// locate digital signature fields and verify document content. It is a
// reader, not a writer: it tolerates incremental updates and damaged xref
// tables by scanning indirect objects directly.
package pdf

import "fmt"

// Object is any PDF object.
type Object interface{}

// Name is a PDF name object (without the leading slash).
type Name string

// Integer is a PDF integer object.
type Integer int64

// Real is a PDF real number object.
type Real float64

// Boolean is a PDF boolean object.
type Boolean bool

// Null is the PDF null object.
type Null struct{}

// String is a PDF string object. Value holds the decoded bytes; Hex records
// whether the source used hexadecimal (<...>) notation.
type String struct {
	Value []byte
	Hex   bool
}

// Array is a PDF array object.
type Array []Object

// Ref is an indirect object reference.
type Ref struct {
	Number     int
	Generation int
}

func (r Ref) String() string {
	return fmt.Sprintf("%d %d R", r.Number, r.Generation)
}

// Dict is a PDF dictionary object keyed by name (without slash).
type Dict map[Name]Object

// Get returns the value for key, or nil when absent.
func (d Dict) Get(key Name) Object {
	if d == nil {
		return nil
	}
	return d[key]
}

// Stream is a PDF stream object: its dictionary plus the raw (still encoded)
// stream bytes.
type Stream struct {
	Dict Dict
	Raw  []byte
}
