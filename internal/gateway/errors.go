package gateway

import (
	"fmt"
)

// RemoteCallError is returned for any outbound call that did not yield
// a 2xx response: transport failures, timeouts, and non-2xx statuses.
// Status is zero when no response was received.
type RemoteCallError struct {
	Target  string
	Status  int
	Body    string
	Timeout bool
	Err     error
}

// Error implements the error interface.
func (e *RemoteCallError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("remote call to %s timed out: %v", e.Target, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("remote call to %s failed with status %d: %s", e.Target, e.Status, e.Body)
	default:
		return fmt.Sprintf("remote call to %s failed: %v", e.Target, e.Err)
	}
}

// Unwrap returns the underlying transport error, if any.
func (e *RemoteCallError) Unwrap() error { return e.Err }

// MalformedResponseError is returned when a 2xx response cannot be
// decoded or lacks a field the caller depends on.
type MalformedResponseError struct {
	Target string
	Field  string
	Err    error
}

// Error implements the error interface.
func (e *MalformedResponseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed response from %s: missing %s", e.Target, e.Field)
	}
	return fmt.Sprintf("malformed response from %s: %v", e.Target, e.Err)
}

// Unwrap returns the decode error, if any.
func (e *MalformedResponseError) Unwrap() error { return e.Err }
