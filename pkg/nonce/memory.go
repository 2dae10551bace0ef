package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryReplayGuard is a mutex-guarded in-process replay guard. Suitable
// for single-instance deployments and tests; multi-instance setups use the
// valkey-backed guard.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time)}
}

func (g *MemoryReplayGuard) MarkOnce(ctx context.Context, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for v, expiry := range g.seen {
		if expiry.Before(now) {
			delete(g.seen, v)
		}
	}

	if _, ok := g.seen[value]; ok {
		return fmt.Errorf("%w: %s", ErrReplayed, value)
	}
	g.seen[value] = now.Add(ttl)
	return nil
}
