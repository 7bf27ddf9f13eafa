package auth

import (
	"context"
	"sync"

	"github.com/Linzell/BrokeAgent-sub001/internal/config"
)

// KeyMetadata holds the metadata for a recognized ops key.
type KeyMetadata struct {
	Name string `json:"name"`
}

// KeyStore looks up API key metadata by hash.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error)
}

// StaticKeyStore implements KeyStore over the hashed keys in service config.
// Replace swaps the key set on config reload.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string]KeyMetadata
}

func NewStaticKeyStore(cfg config.OpsAuthConfig) *StaticKeyStore {
	s := &StaticKeyStore{}
	s.Replace(cfg)
	return s
}

func (s *StaticKeyStore) Replace(cfg config.OpsAuthConfig) {
	keys := make(map[string]KeyMetadata, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys[k.Hash] = KeyMetadata{Name: k.Name}
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func (s *StaticKeyStore) Lookup(_ context.Context, keyHash string) (*KeyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.keys[keyHash]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}
