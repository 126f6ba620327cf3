package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Class partitions adapter failures by how the dispatcher should react.
type Class int

const (
	// ClassTransient covers failures worth retrying on another backend:
	// rate limits, 5xx responses, connection resets.
	ClassTransient Class = iota
	// ClassPermanent covers failures no backend change can fix: malformed
	// requests, auth failures, non-429 4xx responses.
	ClassPermanent
	// ClassTimeout covers attempt deadline expiry.
	ClassTimeout
	// ClassCanceled covers caller-initiated cancellation. It is excluded
	// from health accounting.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassTimeout:
		return "timeout"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error from a backend call to a failure class.
func Classify(err error) Class {
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return ClassTransient
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		if adapterErr.Temporary {
			return ClassTransient
		}
		if adapterErr.Status == 429 || (adapterErr.Status >= 500 && adapterErr.Status <= 599) {
			return ClassTransient
		}
		if adapterErr.Status >= 400 && adapterErr.Status <= 499 {
			return ClassPermanent
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}
	return ClassPermanent
}

// IsTransient reports whether an error is safe to retry on another backend.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	c := Classify(err)
	return c == ClassTransient || c == ClassTimeout
}

func statusErr(status int, err error) error {
	return &AdapterError{Status: status, Err: err}
}
