package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrPreconditionFailed is returned by a Channel when the broker rejects a
	// declaration whose arguments differ from an existing entity.
	ErrPreconditionFailed = errors.New("broker: precondition failed")
	// ErrStreamLost marks a delivery stream that ended without cancellation.
	ErrStreamLost = errors.New("broker: stream lost")
	// ErrClosed is returned when using a closed connection or channel.
	ErrClosed = errors.New("broker: closed")
)

// ConnectionError is returned by Manager.Connect once retries are exhausted or
// the failure cannot be retried at all.
type ConnectionError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: giving up after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TopologyConflictError reports an exchange re-declared with different
// arguments. It is a configuration error and never retried.
type TopologyConflictError struct {
	Exchange string
	Kind     string
	Durable  bool
	Existing string
	Err      error
}

func (e *TopologyConflictError) Error() string {
	msg := fmt.Sprintf("exchange %s (type=%s durable=%t) conflicts with existing declaration", e.Exchange, e.Kind, e.Durable)
	if e.Existing != "" {
		msg += " " + e.Existing
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TopologyConflictError) Unwrap() error { return e.Err }

// StreamLostError is returned by a consumer whose delivery stream ended while
// the caller still wanted messages. Callers reconnect and retry.
type StreamLostError struct {
	Queue string
	Err   error
}

func (e *StreamLostError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("queue %s: stream lost", e.Queue)
	}
	return fmt.Sprintf("queue %s: stream lost: %v", e.Queue, e.Err)
}

func (e *StreamLostError) Unwrap() error {
	if e.Err == nil {
		return ErrStreamLost
	}
	return e.Err
}

// PermanentError wraps dial failures that retrying cannot fix, such as bad
// credentials or an unknown vhost.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable reports whether a dial failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	var perm *PermanentError
	return err != nil && !errors.As(err, &perm)
}

// IsTopologyConflict reports whether err is a TopologyConflictError.
func IsTopologyConflict(err error) bool {
	var conflict *TopologyConflictError
	return errors.As(err, &conflict)
}
