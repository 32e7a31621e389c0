// Package delivery defines the outbound notification capability and the
// error taxonomy the worker's retry policy is built on.
package delivery

import (
	"errors"
	"fmt"
)

// Message is a rendered notification.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TransientError marks a failure worth retrying with backoff: timeouts,
// 5xx responses, connection loss.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient delivery error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: validation
// rejections, permanently invalid recipients. The record dead-letters
// immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent delivery error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent wraps err as non-retryable.
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsPermanent reports whether err is classified permanent. Unclassified
// errors count as transient: when in doubt, retry under budget rather
// than dead-letter a deliverable notification.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
