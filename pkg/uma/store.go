package uma

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("not found")

// ResourceSetStore resolves registered resource sets.
type ResourceSetStore interface {
	GetResourceSet(ctx context.Context, id string) (*ResourceSet, error)
}

// PolicyStore resolves the policies attached to a resource set.
type PolicyStore interface {
	GetPoliciesForResourceSet(ctx context.Context, resourceSetID string) ([]*Policy, error)
}

// TicketStore persists permission tickets. Consume atomically removes and
// returns a ticket; a second consumption of the same id fails with
// ErrNotFound.
type TicketStore interface {
	Save(ctx context.Context, ticket *Ticket) error
	Consume(ctx context.Context, id string) (*Ticket, error)
}

// ConsentStore records resource owner approvals.
type ConsentStore interface {
	HasConsent(ctx context.Context, resourceSetID, requestingParty string) (bool, error)
}

// StaticResourceRegistry serves resource sets and policies from a fixed,
// config-loaded list.
type StaticResourceRegistry struct {
	ResourceSets []ResourceSet `yaml:"resource_sets"`
	Policies     []Policy      `yaml:"policies"`
}

func (r *StaticResourceRegistry) GetResourceSet(ctx context.Context, id string) (*ResourceSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := range r.ResourceSets {
		if r.ResourceSets[i].ID == id {
			return &r.ResourceSets[i], nil
		}
	}
	return nil, ErrNotFound
}

func (r *StaticResourceRegistry) GetPoliciesForResourceSet(ctx context.Context, resourceSetID string) ([]*Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs, err := r.GetResourceSet(ctx, resourceSetID)
	if err != nil {
		return nil, err
	}

	var policies []*Policy
	for i := range r.Policies {
		p := &r.Policies[i]
		if containsString(rs.PolicyIDs, p.ID) || containsString(p.ResourceSetIDs, resourceSetID) {
			policies = append(policies, p)
		}
	}
	return policies, nil
}

// MemoryTicketStore is the in-process TicketStore. One mutex keeps Consume
// atomic without cross-request locking.
type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{tickets: make(map[string]*Ticket)}
}

func (s *MemoryTicketStore) Save(ctx context.Context, ticket *Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[ticket.ID] = ticket
	return nil
}

func (s *MemoryTicketStore) Consume(ctx context.Context, id string) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.tickets, id)
	return t, nil
}

// MemoryConsentStore is a mutex-guarded consent record set, keyed by
// resource set and requesting party.
type MemoryConsentStore struct {
	mu       sync.Mutex
	consents map[string]ConsentRecord
}

func NewMemoryConsentStore() *MemoryConsentStore {
	return &MemoryConsentStore{consents: make(map[string]ConsentRecord)}
}

func (s *MemoryConsentStore) Grant(ctx context.Context, record ConsentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[record.ResourceSetID+"\x00"+record.RequestingParty] = record
	return nil
}

func (s *MemoryConsentStore) HasConsent(ctx context.Context, resourceSetID, requestingParty string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.consents[resourceSetID+"\x00"+requestingParty]
	return ok, nil
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
