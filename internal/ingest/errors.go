package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrSourceCircuitOpen is returned when a record is refused because its
	// source's circuit breaker is open.
	ErrSourceCircuitOpen = eris.New("source circuit breaker is open")

	// ErrCorpusRaceLost marks a canonical insert that lost the uniqueness
	// constraint to a concurrent writer.
	ErrCorpusRaceLost = eris.New("corpus race lost")
)

// ValidationError reports a malformed or incomplete candidate record. It is
// returned synchronously and never produces a routing decision.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ValidationErrors collects every problem found in one record.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

func (v ValidationErrors) Unwrap() []error {
	out := make([]error, 0, len(v))
	for _, e := range v {
		out = append(out, e)
	}
	return out
}

type DependencyKind string

const (
	DependencyTimeout     DependencyKind = "timeout"
	DependencyUnavailable DependencyKind = "unavailable"
)

// DependencyError wraps a failed call to the corpus, embedding provider or
// trusted registry.
type DependencyError struct {
	Dependency string
	Kind       DependencyKind
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Dependency, e.Kind, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the dependency exceeded its deadline.
func (e *DependencyError) Timeout() bool {
	return e.Kind == DependencyTimeout
}

// classifyDependencyError tags err as a timeout or an unavailability.
func classifyDependencyError(dependency string, err error) *DependencyError {
	var de *DependencyError
	if errors.As(err, &de) {
		return de
	}
	kind := DependencyUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = DependencyTimeout
	}
	return &DependencyError{Dependency: dependency, Kind: kind, Err: err}
}

// IsValidation reports whether err is a record validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDependency reports whether err came from a slow or failing dependency.
func IsDependency(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}
