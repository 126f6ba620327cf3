package adapter

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{
			name: "context canceled",
			err:  context.Canceled,
			want: ClassCanceled,
		},
		{
			name: "wrapped cancellation",
			err:  fmt.Errorf("call failed: %w", context.Canceled),
			want: ClassCanceled,
		},
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: ClassTimeout,
		},
		{
			name: "rate limited",
			err:  &AdapterError{Status: 429, Err: errors.New("too many requests")},
			want: ClassTransient,
		},
		{
			name: "server error",
			err:  &AdapterError{Status: 503, Err: errors.New("overloaded")},
			want: ClassTransient,
		},
		{
			name: "temporary flag",
			err:  &AdapterError{Temporary: true, Err: errors.New("retry later")},
			want: ClassTransient,
		},
		{
			name: "auth failure",
			err:  &AdapterError{Status: 401, Err: errors.New("invalid key")},
			want: ClassPermanent,
		},
		{
			name: "bad request",
			err:  &AdapterError{Status: 400, Err: errors.New("malformed")},
			want: ClassPermanent,
		},
		{
			name: "connection reset",
			err:  fmt.Errorf("write: %w", syscall.ECONNRESET),
			want: ClassTransient,
		},
		{
			name: "unclassified error",
			err:  errors.New("something unexpected"),
			want: ClassPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("deadline expiry should be retryable")
	}
	if IsTransient(&AdapterError{Status: 403}) {
		t.Error("403 should not be retryable")
	}
}
