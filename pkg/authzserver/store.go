package authzserver

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is the sentinel for lookups that miss. Callers translate it
// into the protocol error appropriate for their context.
var ErrNotFound = errors.New("not found")

// CodeStore persists authorization codes. Consume is the only way to
// redeem: it atomically marks the code consumed and returns it, so two
// concurrent redemptions can never both succeed.
type CodeStore interface {
	Save(ctx context.Context, code *AuthorizationCode) error
	Consume(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore persists granted token sets. ConsumeRefreshToken atomically
// marks the refresh token superseded and returns the owning grant; a second
// consumption of the same refresh token fails with ErrNotFound.
type TokenStore interface {
	Save(ctx context.Context, token *GrantedToken) error
	GetByAccessToken(ctx context.Context, accessToken string) (*GrantedToken, error)
	GetByRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error)
	ConsumeRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error)
	Revoke(ctx context.Context, id string) error
}

// MemoryCodeStore is the in-process CodeStore. One mutex per store keeps
// Consume atomic without any cross-request locking.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]*AuthorizationCode
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]*AuthorizationCode)}
}

func (s *MemoryCodeStore) Save(ctx context.Context, code *AuthorizationCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return nil
}

func (s *MemoryCodeStore) Consume(ctx context.Context, code string) (*AuthorizationCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.codes[code]
	if !ok || ac.Consumed {
		return nil, ErrNotFound
	}
	ac.Consumed = true
	return ac, nil
}

// MemoryTokenStore is the in-process TokenStore.
type MemoryTokenStore struct {
	mu      sync.Mutex
	byID    map[string]*GrantedToken
	access  map[string]string // access token -> grant id
	refresh map[string]string // refresh token -> grant id
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		byID:    make(map[string]*GrantedToken),
		access:  make(map[string]string),
		refresh: make(map[string]string),
	}
}

func (s *MemoryTokenStore) Save(ctx context.Context, token *GrantedToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[token.ID] = token
	s.access[token.AccessToken] = token.ID
	if token.RefreshToken != "" {
		s.refresh[token.RefreshToken] = token.ID
	}
	return nil
}

func (s *MemoryTokenStore) GetByAccessToken(ctx context.Context, accessToken string) (*GrantedToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.access[accessToken]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryTokenStore) GetByRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.refresh[refreshToken]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryTokenStore) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.refresh[refreshToken]
	if !ok {
		return nil, ErrNotFound
	}
	grant := s.byID[id]
	if grant == nil || grant.Revoked || grant.Superseded {
		return nil, ErrNotFound
	}
	grant.Superseded = true
	delete(s.refresh, refreshToken)
	return grant, nil
}

func (s *MemoryTokenStore) Revoke(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	grant.Revoked = true
	grant.RevokedAt = time.Now()
	delete(s.refresh, grant.RefreshToken)
	return nil
}
