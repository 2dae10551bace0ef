package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyReplayGuard rejects repeated values using SET NX with a TTL.
type ValkeyReplayGuard struct {
	valkeyClient valkey.Client
	keyPrefix    string
}

func NewValkeyReplayGuard(valkeyClient valkey.Client, keyPrefix string) *ValkeyReplayGuard {
	return &ValkeyReplayGuard{valkeyClient: valkeyClient, keyPrefix: keyPrefix}
}

func (g *ValkeyReplayGuard) MarkOnce(ctx context.Context, value string, ttl time.Duration) error {
	cmd := g.valkeyClient.B().Set().Key(g.keyPrefix + value).Value("").Nx().Px(ttl).Build()
	result := g.valkeyClient.Do(ctx, cmd)
	if valkey.IsValkeyNil(result.Error()) {
		return fmt.Errorf("%w: %s", ErrReplayed, value)
	}
	if result.Error() != nil {
		return fmt.Errorf("marking value in valkey: %w", result.Error())
	}
	return nil
}
