package record

import (
	"errors"
	"fmt"
)

// ErrUnknownType is returned for a backup type outside the known set.
var ErrUnknownType = errors.New("unknown backup type")

// Type is the kind of a backup.
type Type string

const (
	TypeFull         Type = "full"
	TypeIncremental  Type = "incremental"
	TypeDifferential Type = "differential"
	TypeSnapshot     Type = "snapshot"
)

// Types lists every backup type.
var Types = []Type{TypeFull, TypeIncremental, TypeDifferential, TypeSnapshot}

// TypeVisitor has one method per backup type. Every consumer that branches
// on a type implements it, so adding a type breaks the build of each
// consumer until it handles the new case.
type TypeVisitor interface {
	Full() error
	Incremental() error
	Differential() error
	Snapshot() error
}

// Accept calls the visitor method matching t.
func (t Type) Accept(v TypeVisitor) error {
	switch t {
	case TypeFull:
		return v.Full()
	case TypeIncremental:
		return v.Incremental()
	case TypeDifferential:
		return v.Differential()
	case TypeSnapshot:
		return v.Snapshot()
	}
	return fmt.Errorf("%w: %q", ErrUnknownType, string(t))
}

// ParseType converts s into a Type.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// HasBase reports whether records of this type depend on a base backup.
func (t Type) HasBase() bool {
	return t == TypeIncremental || t == TypeDifferential
}

// IncludesFiles reports whether payloads of this type carry file-store
// objects.
func (t Type) IncludesFiles() bool {
	return t != TypeSnapshot
}
