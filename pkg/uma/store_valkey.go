package uma

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyTicketStore keeps permission tickets in Valkey so that redemption
// works across server instances. Tickets expire server-side via PX.
type ValkeyTicketStore struct {
	valkeyClient valkey.Client
	keyPrefix    string
}

func NewValkeyTicketStore(valkeyClient valkey.Client) *ValkeyTicketStore {
	return &ValkeyTicketStore{valkeyClient: valkeyClient, keyPrefix: "ticket:"}
}

func (s *ValkeyTicketStore) Save(ctx context.Context, ticket *Ticket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("marshaling ticket: %w", err)
	}

	ttl := time.Until(ticket.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("ticket already expired")
	}

	cmd := s.valkeyClient.B().Set().Key(s.keyPrefix + ticket.ID).Value(string(payload)).Px(ttl).Build()
	if err := s.valkeyClient.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("storing ticket in valkey: %w", err)
	}
	return nil
}

// Consume removes and returns the ticket in a single GETDEL round trip, so
// two concurrent exchanges cannot both succeed.
func (s *ValkeyTicketStore) Consume(ctx context.Context, id string) (*Ticket, error) {
	cmd := s.valkeyClient.B().Getdel().Key(s.keyPrefix + id).Build()
	result := s.valkeyClient.Do(ctx, cmd)
	if valkey.IsValkeyNil(result.Error()) {
		return nil, ErrNotFound
	}
	if result.Error() != nil {
		return nil, fmt.Errorf("consuming ticket in valkey: %w", result.Error())
	}

	payload, err := result.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("reading ticket from valkey: %w", err)
	}

	ticket := new(Ticket)
	if err := json.Unmarshal(payload, ticket); err != nil {
		return nil, fmt.Errorf("unmarshaling ticket: %w", err)
	}
	return ticket, nil
}
