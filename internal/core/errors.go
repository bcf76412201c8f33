package core

import (
	"fmt"
	"time"
)

// ValidationError indicates malformed configuration or quota input.
type ValidationError struct {
	Field  string // Offending field or setting
	Reason string // Human-readable reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// UpstreamError indicates a transport failure or non-success status from an
// external service (clustering or summarization).
type UpstreamError struct {
	Service string // Service name (e.g., "clustering", "summarization")
	Status  int    // HTTP status or service status code (0 if transport-level)
	Err     error  // Underlying cause
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s service returned status %d: %v", e.Service, e.Status, e.Err)
	}
	return fmt.Sprintf("%s service call failed: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// TimeoutError indicates a per-topic or per-refresh deadline was exceeded.
type TimeoutError struct {
	Op    string        // Operation that timed out (e.g., "cluster topic tech")
	Limit time.Duration // Deadline that was exceeded
	Err   error         // Underlying context error, if any
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded %s deadline", e.Op, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// SchemaError indicates an external response failed structural validation.
type SchemaError struct {
	Service string // Service whose response was malformed
	Detail  string // What was missing or inconsistent
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s response failed validation: %s", e.Service, e.Detail)
}

// InsufficientEvidenceError indicates a corpus fell below the minimum viable
// document count. Dispatch resolves this with a synthetic fallback whenever
// possible; it only surfaces when a topic has no evidence at all.
type InsufficientEvidenceError struct {
	Topic string // Affected topic
	Have  int    // Documents available
	Min   int    // Minimum required
}

func (e *InsufficientEvidenceError) Error() string {
	return fmt.Sprintf("topic %q has insufficient evidence: %d of %d required documents", e.Topic, e.Have, e.Min)
}
