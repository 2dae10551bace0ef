// Package nonce tracks single-use values: a replay guard for externally
// supplied identifiers such as the jti of a client assertion.
package nonce

import (
	"context"
	"errors"
	"time"
)

// ErrReplayed is returned by MarkOnce when the value has been seen before.
// Callers use it to tell a replay apart from a backend failure.
var ErrReplayed = errors.New("value already seen")

// ReplayGuard records externally chosen values and rejects repeats within
// their lifetime. MarkOnce must be atomic: of two concurrent calls with the
// same value, exactly one succeeds.
type ReplayGuard interface {
	MarkOnce(ctx context.Context, value string, ttl time.Duration) error
}
