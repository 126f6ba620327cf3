package dispatch

import (
	"fmt"
	"strings"

	"github.com/zen-systems/routegate/pkg/health"
)

// PermanentError aborts the fallback chain: no other backend can fix a
// malformed or unauthorized request.
type PermanentError struct {
	CandidateID string
	Err         error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent backend error from %s: %v", e.CandidateID, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ChainExhaustedError reports that every candidate in the ranked chain
// failed, with each attempt's classification.
type ChainExhaustedError struct {
	Attempts []health.Outcome
}

func (e *ChainExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != "" {
			parts = append(parts, fmt.Sprintf("%s: %s (%s)", a.Key, a.Kind, a.Err))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", a.Key, a.Kind))
		}
	}
	return fmt.Sprintf("all %d candidates failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

// MidStreamError reports a failure after output was already forwarded to
// the caller. It is never retried: a restart would duplicate delivered
// output, so the partial result is surfaced instead.
type MidStreamError struct {
	CandidateID string
	Partial     string
	Err         error
}

func (e *MidStreamError) Error() string {
	return fmt.Sprintf("stream from %s failed after partial delivery: %v", e.CandidateID, e.Err)
}

func (e *MidStreamError) Unwrap() error { return e.Err }
