// This file is part of drgn-go.
//
// drgn-go is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// drgn-go is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with drgn-go.  If not, see <https://www.gnu.org/licenses/>.

// Package errors defines the error kinds surfaced by the DWARF core and a
// curated error type that carries one of them plus a formatted message,
// in the style of a category + message pair rather than ad-hoc fmt.Errorf
// call sites scattered through the codebase.
package errors

import (
	"fmt"
)

// Kind categorizes why an operation failed, per the core's error-handling
// design: not_found is a well-known sentinel used for control flow, the
// others are hard failures.
type Kind int

const (
	// Other covers all structural DWARF errors: invalid attribute form,
	// out-of-bounds offset, malformed CFI, unsupported opcode or
	// augmentation.
	Other Kind = iota

	// NotFound is a control-flow sentinel: absent type, missing register,
	// PC outside all FDEs. Never treated as a hard failure by callers.
	NotFound

	// Recursion signals that a recursion-depth budget was exceeded.
	Recursion

	// Overflow signals arithmetic overflow on a factor or address range.
	Overflow
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Recursion:
		return "recursion limit exceeded"
	case Overflow:
		return "overflow"
	default:
		return "dwarf error"
	}
}

// curated is the concrete error type returned by this package's
// constructors. It normalizes message formatting and remembers which
// component (buffer, expr, loclist, types, frame, ...) raised it.
type curated struct {
	kind      Kind
	component string
	message   string
	cause     error
}

func (e *curated) Error() string {
	if e.component != "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %s: %s", e.component, e.message, e.cause)
		}
		return fmt.Sprintf("%s: %s", e.component, e.message)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.message, e.cause)
	}
	return e.message
}

func (e *curated) Unwrap() error {
	return e.cause
}

// Kind reports the error's category. Satisfies errors.As against *curated,
// and is also exposed via the package-level Is helper below.
func (e *curated) Kind() Kind {
	return e.kind
}

// New builds a curated error of the given kind, tagged with the component
// that raised it (e.g. "buffer", "expr", "loclist", "types", "frame").
func New(kind Kind, component, message string, args ...interface{}) error {
	return &curated{
		kind:      kind,
		component: component,
		message:   fmt.Sprintf(message, args...),
	}
}

// Wrap builds a curated error of the given kind around an existing cause.
func Wrap(kind Kind, component string, cause error, message string, args ...interface{}) error {
	return &curated{
		kind:      kind,
		component: component,
		message:   fmt.Sprintf(message, args...),
		cause:     cause,
	}
}

// NewNotFound builds the not_found sentinel kind.
func NewNotFound(component, message string, args ...interface{}) error {
	return New(NotFound, component, message, args...)
}

// NewRecursion builds the recursion kind.
func NewRecursion(component, message string, args ...interface{}) error {
	return New(Recursion, component, message, args...)
}

// NewOverflow builds the overflow kind.
func NewOverflow(component, message string, args ...interface{}) error {
	return New(Overflow, component, message, args...)
}

// NewStructural builds the "other" kind for general DWARF structural errors.
func NewStructural(component, message string, args ...interface{}) error {
	return New(Other, component, message, args...)
}

// Is reports whether err (or anything it wraps) is a curated error of the
// given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if c, ok := err.(*curated); ok {
			if c.kind == kind {
				return true
			}
			err = c.cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsNotFound is shorthand for Is(err, NotFound).
func IsNotFound(err error) bool {
	return Is(err, NotFound)
}
