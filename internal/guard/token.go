package guard

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrCorrelationMismatch indicates a downstream response echoed a token that
// does not belong to the request about to consume it. The response must be
// discarded, never delivered: delivering it would hand one caller another
// caller's answer.
var ErrCorrelationMismatch = errors.New("correlation token mismatch")

// NewToken generates a fresh per-request correlation token. Tokens are
// per-request, not per-session: many concurrent requests legitimately share
// one session and the token is what tells their responses apart.
func NewToken() string {
	return uuid.NewString()
}

// VerifyEcho checks a response's echoed token against the token of the
// request awaiting it. A mismatch is a correctness violation, not a
// transient fault.
func VerifyEcho(want, got string) error {
	if want == "" {
		return fmt.Errorf("%w: request token is empty", ErrCorrelationMismatch)
	}
	if want != got {
		return fmt.Errorf("%w: want %s, got %s", ErrCorrelationMismatch, want, got)
	}
	return nil
}
