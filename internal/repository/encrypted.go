package repository

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

// KeySealer encrypts channel API keys at rest.
type KeySealer interface {
	Seal(value string) (string, error)
	Open(value string) (string, error)
}

// EncryptedStore seals channel key values before they reach the backend and
// opens them on the way out. Everything else passes through.
type EncryptedStore struct {
	Store
	sealer KeySealer
}

func NewEncryptedStore(s Store, sealer KeySealer) *EncryptedStore {
	return &EncryptedStore{Store: s, sealer: sealer}
}

func (s *EncryptedStore) open(c *domain.Channel) error {
	for i := range c.Keys {
		v, err := s.sealer.Open(c.Keys[i].Value)
		if err != nil {
			return fmt.Errorf("open key %s of channel %s: %w", c.Keys[i].ID, c.ID, err)
		}
		c.Keys[i].Value = v
	}
	return nil
}

func (s *EncryptedStore) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	channels, err := s.Store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range channels {
		if err := s.open(&channels[i]); err != nil {
			return nil, err
		}
	}
	return channels, nil
}

func (s *EncryptedStore) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	c, err := s.Store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.open(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *EncryptedStore) CreateChannel(ctx context.Context, c *domain.Channel) error {
	plain := make([]string, len(c.Keys))
	for i := range c.Keys {
		plain[i] = c.Keys[i].Value
		sealed, err := s.sealer.Seal(c.Keys[i].Value)
		if err != nil {
			return fmt.Errorf("seal key: %w", err)
		}
		c.Keys[i].Value = sealed
	}
	err := s.Store.CreateChannel(ctx, c)
	for i := range c.Keys {
		c.Keys[i].Value = plain[i]
	}
	return err
}

func (s *EncryptedStore) AddKey(ctx context.Context, k *domain.APIKey) error {
	return s.withSealed(k, func(sealed *domain.APIKey) error { return s.Store.AddKey(ctx, sealed) })
}

func (s *EncryptedStore) UpdateKey(ctx context.Context, k *domain.APIKey) error {
	return s.withSealed(k, func(sealed *domain.APIKey) error { return s.Store.UpdateKey(ctx, sealed) })
}

// withSealed runs fn on a sealed copy and copies generated fields back.
func (s *EncryptedStore) withSealed(k *domain.APIKey, fn func(*domain.APIKey) error) error {
	sealed := *k
	v, err := s.sealer.Seal(k.Value)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}
	sealed.Value = v
	if err := fn(&sealed); err != nil {
		return err
	}
	k.ID = sealed.ID
	k.LastUsed = sealed.LastUsed
	return nil
}

func (s *EncryptedStore) UpdateChannel(ctx context.Context, c *domain.Channel) error {
	if err := s.Store.UpdateChannel(ctx, c); err != nil {
		return err
	}
	return s.open(c)
}
