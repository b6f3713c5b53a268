// Package store provides the opt-in key-value persistence layer. Keys are
// namespaced paths (jobs/{id}, results/{id}, profiles/{id}) and values are
// JSON documents. The in-memory backend is the default; redis is the
// durable option.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/config"
)

// Key namespaces.
const (
	NamespaceJobs     = "jobs"
	NamespaceResults  = "results"
	NamespaceProfiles = "profiles"
)

// JobKey returns the storage key for a job document.
func JobKey(jobID string) string { return NamespaceJobs + "/" + jobID }

// ResultKey returns the storage key for a terminal result document.
func ResultKey(jobID string) string { return NamespaceResults + "/" + jobID }

// ProfileKey returns the storage key for an advisory profile document.
func ProfileKey(profileID string) string { return NamespaceProfiles + "/" + profileID }

// Store is the persistence capability the supervisor depends on.
type Store interface {
	// Put marshals value as JSON and writes it under key.
	Put(ctx context.Context, key string, value any) error
	// Get unmarshals the document at key into dest. Returns
	// schemas.ErrNotFound when the key is absent.
	Get(ctx context.Context, key string, dest any) error
	// Delete removes a key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys under a namespace prefix such as "jobs/".
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// New builds the store selected by the configuration.
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedisStore(ctx, cfg, logger)
	case "", "memory":
		return NewMemoryStore(logger), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// MemoryStore is the default, process-local backend.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	log  *zap.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		log:  logger.Named("store.memory"),
	}
}

func (s *MemoryStore) Put(ctx context.Context, key string, value any) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal document for %s: %w", key, err)
	}

	s.mu.Lock()
	s.data[key] = doc
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string, dest any) error {
	s.mu.RLock()
	doc, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: key %s", schemas.ErrNotFound, key)
	}
	if err := json.Unmarshal(doc, dest); err != nil {
		return fmt.Errorf("failed to unmarshal document at %s: %w", key, err)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }
