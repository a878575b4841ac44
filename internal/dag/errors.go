package dag

import (
	"fmt"
	"strings"
)

// ValidationKind classifies pre-execution graph validation failures.
type ValidationKind string

const (
	// KindUnknownDependency means a depends_on entry names a step id that
	// does not exist in the definition.
	KindUnknownDependency ValidationKind = "unknown_dependency"
	// KindUnknownReference means a config expression references a step id
	// that does not exist in the definition.
	KindUnknownReference ValidationKind = "unknown_reference"
	// KindCycle means the dependency graph is not acyclic.
	KindCycle ValidationKind = "cycle"
)

// ValidationError is a fatal, pre-execution graph error. For cycles, Path
// holds every step id on the detected cycle, in traversal order, with the
// entry step repeated at the end.
type ValidationError struct {
	Kind    ValidationKind
	Subject string
	Path    []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindCycle:
		return fmt.Sprintf("validation error (%s): %s", e.Kind, strings.Join(e.Path, " -> "))
	default:
		return fmt.Sprintf("validation error (%s): %s", e.Kind, e.Subject)
	}
}
