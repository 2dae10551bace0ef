package authzserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyCodeStore keeps authorization codes in Valkey so that redemption
// works across server instances. Codes expire server-side via PX.
type ValkeyCodeStore struct {
	valkeyClient valkey.Client
	keyPrefix    string
}

func NewValkeyCodeStore(valkeyClient valkey.Client) *ValkeyCodeStore {
	return &ValkeyCodeStore{valkeyClient: valkeyClient, keyPrefix: "authcode:"}
}

func (s *ValkeyCodeStore) Save(ctx context.Context, code *AuthorizationCode) error {
	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshaling authorization code: %w", err)
	}

	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	cmd := s.valkeyClient.B().Set().Key(s.keyPrefix + code.Code).Value(string(payload)).Px(ttl).Build()
	if err := s.valkeyClient.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("storing authorization code in valkey: %w", err)
	}
	return nil
}

// Consume removes and returns the code in a single GETDEL round trip, so
// two concurrent redemptions cannot both succeed.
func (s *ValkeyCodeStore) Consume(ctx context.Context, code string) (*AuthorizationCode, error) {
	cmd := s.valkeyClient.B().Getdel().Key(s.keyPrefix + code).Build()
	result := s.valkeyClient.Do(ctx, cmd)
	if valkey.IsValkeyNil(result.Error()) {
		return nil, ErrNotFound
	}
	if result.Error() != nil {
		return nil, fmt.Errorf("consuming authorization code in valkey: %w", result.Error())
	}

	payload, err := result.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("reading authorization code from valkey: %w", err)
	}

	authCode := new(AuthorizationCode)
	if err := json.Unmarshal(payload, authCode); err != nil {
		return nil, fmt.Errorf("unmarshaling authorization code: %w", err)
	}
	return authCode, nil
}
