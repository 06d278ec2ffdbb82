package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel values for the provisioning error taxonomy. Every typed error in
// this file reports true from errors.Is against its sentinel.
var (
	ErrSchema             = errors.New("schema error")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNoMatchingVersion  = errors.New("no matching version")
	ErrNetwork            = errors.New("network error")
	ErrStructuralMismatch = errors.New("structural mismatch")
	ErrAllFallbacksFailed = errors.New("all fallbacks failed")
)

// SchemaError captures a single field-level problem in a tool document or a
// value returned by a provider script.
type SchemaError struct {
	Source  string
	Field   string
	Message string
	Valid   []string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	if e.Source != "" {
		b.WriteString(e.Source)
		b.WriteString(": ")
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Valid) > 0 {
		b.WriteString(" (valid values: ")
		b.WriteString(strings.Join(e.Valid, ", "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// InvalidEnum builds the SchemaError reported for an unrecognised enum value.
func InvalidEnum(source, field, value string, valid []string) *SchemaError {
	return &SchemaError{
		Source:  source,
		Field:   field,
		Message: fmt.Sprintf("%q is invalid", value),
		Valid:   append([]string(nil), valid...),
	}
}

// SchemaErrors aggregates multiple schema problems found in one document.
type SchemaErrors []*SchemaError

func (errs SchemaErrors) Error() string {
	if len(errs) == 0 {
		return "schema validation failed"
	}
	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (errs SchemaErrors) Is(target error) bool { return target == ErrSchema }

// Issues returns a copy of the underlying errors.
func (errs SchemaErrors) Issues() []*SchemaError {
	return append([]*SchemaError(nil), errs...)
}

// PermissionDeniedError is returned when a provider reaches for a host, path or
// program outside its declared capability set.
type PermissionDeniedError struct {
	Tool       string
	Capability string
	Target     string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("%s: %s %q is not declared in capabilities", e.Tool, e.Capability, e.Target)
}

func (e *PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// NoMatchingVersionError reports a constraint that selected nothing.
type NoMatchingVersionError struct {
	Tool       string
	Constraint string
	Nearest    []string
}

func (e *NoMatchingVersionError) Error() string {
	msg := fmt.Sprintf("%s: no version matches %s", e.Tool, e.Constraint)
	if len(e.Nearest) > 0 {
		msg += " (nearest: " + strings.Join(e.Nearest, ", ") + ")"
	}
	return msg
}

func (e *NoMatchingVersionError) Is(target error) bool { return target == ErrNoMatchingVersion }

// NetworkError wraps a transport failure after retries were exhausted.
type NetworkError struct {
	URL      string
	Attempts int
	Status   int
	Err      error
}

func (e *NetworkError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s", e.URL)
	if e.Status > 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// StructuralMismatchError reports an artifact that does not fit its declared layout.
type StructuralMismatchError struct {
	Artifact string
	Reason   string
	TopLevel []string
}

func (e *StructuralMismatchError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Artifact, e.Reason)
	if len(e.TopLevel) > 0 {
		msg += " (top-level entries: " + strings.Join(e.TopLevel, ", ") + ")"
	} else {
		msg += " (artifact is empty)"
	}
	return msg
}

func (e *StructuralMismatchError) Is(target error) bool { return target == ErrStructuralMismatch }

// FallbackFailure records why a single package manager strategy did not succeed.
type FallbackFailure struct {
	Manager string `json:"manager"`
	Package string `json:"package"`
	Reason  string `json:"reason"`
}

// AllFallbacksFailedError is returned once every fallback strategy was exhausted.
type AllFallbacksFailedError struct {
	Tool     string
	Failures []FallbackFailure
}

func (e *AllFallbacksFailedError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("%s: no artifact for this platform and no fallback strategies", e.Tool)
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s(%s): %s", f.Manager, f.Package, f.Reason)
	}
	return fmt.Sprintf("%s: all fallbacks failed: %s", e.Tool, strings.Join(parts, "; "))
}

func (e *AllFallbacksFailedError) Is(target error) bool { return target == ErrAllFallbacksFailed }
