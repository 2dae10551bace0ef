package uma

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyward/authserver/pkg/oauth2"
	"github.com/segmentio/ksuid"
)

// DefaultTicketTTL bounds how long a permission ticket may be exchanged.
const DefaultTicketTTL = 2 * time.Minute

// TicketService issues and redeems permission tickets against a resource
// set registry.
type TicketService struct {
	resources ResourceSetStore
	store     TicketStore
	ttl       time.Duration
}

func NewTicketService(resources ResourceSetStore, store TicketStore, ttl time.Duration) *TicketService {
	if ttl == 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketService{resources: resources, store: store, ttl: ttl}
}

// Issue registers a pending permission request. The resource set must exist
// and the requested scopes must be registered on it.
func (s *TicketService) Issue(ctx context.Context, resourceSetID string, scopes []string) (*Ticket, error) {
	rs, err := s.resources.GetResourceSet(ctx, resourceSetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oauth2.InvalidRequest("unknown resource set")
		}
		return nil, fmt.Errorf("resolve resource set: %w", err)
	}

	if len(scopes) == 0 {
		return nil, oauth2.InvalidRequest("missing scopes")
	}
	if !oauth2.ScopesSubset(scopes, rs.Scopes) {
		return nil, oauth2.InvalidScope("scope not registered on resource set")
	}

	now := time.Now()
	ticket := &Ticket{
		ID:            ksuid.New().String(),
		ResourceSetID: rs.ID,
		Scopes:        scopes,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.store.Save(ctx, ticket); err != nil {
		return nil, fmt.Errorf("save ticket: %w", err)
	}
	return ticket, nil
}

// Redeem consumes a ticket. The ticket is burned even when it turns out to
// be expired, so a second redemption attempt always fails.
func (s *TicketService) Redeem(ctx context.Context, id string) (*Ticket, error) {
	ticket, err := s.store.Consume(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oauth2.InvalidGrant("the permission ticket is not valid")
		}
		return nil, fmt.Errorf("consume ticket: %w", err)
	}
	if ticket.Expired(time.Now()) {
		return nil, oauth2.ExpiredTicket()
	}
	return ticket, nil
}
