package uma

import (
	"context"
	"time"
)

// Config is the UMA section of the server configuration: statically
// registered resource sets, owner policies and consent records.
type Config struct {
	TicketTTL    time.Duration   `yaml:"ticket_ttl"`
	ResourceSets []ResourceSet   `yaml:"resource_sets" validate:"omitempty,dive"`
	Policies     []Policy        `yaml:"policies"`
	Consents     []ConsentRecord `yaml:"consents"`
}

// Registry builds the static resource/policy registry from the config.
func (c *Config) Registry() *StaticResourceRegistry {
	return &StaticResourceRegistry{
		ResourceSets: c.ResourceSets,
		Policies:     c.Policies,
	}
}

// ConsentStore builds an in-memory consent store seeded with the
// configured records.
func (c *Config) ConsentStore() (*MemoryConsentStore, error) {
	store := NewMemoryConsentStore()
	for _, record := range c.Consents {
		if record.GrantedAt.IsZero() {
			record.GrantedAt = time.Now()
		}
		if err := store.Grant(context.Background(), record); err != nil {
			return nil, err
		}
	}
	return store, nil
}
