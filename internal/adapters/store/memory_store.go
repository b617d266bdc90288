// Package store persists list configuration and memberships.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
)

// MemoryStore is an in-memory implementation of the list and
// subscriber stores.
type MemoryStore struct {
	mu     sync.RWMutex
	lists  map[string]*core.List
	subs   map[string]map[string]core.Subscriber
	logger *zap.Logger
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		lists:  make(map[string]*core.List),
		subs:   make(map[string]map[string]core.Subscriber),
		logger: logger,
	}
}

// PutList adds or replaces a list.
func (s *MemoryStore) PutList(list *core.List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *list
	s.lists[strings.ToLower(list.Email)] = &clone
}

// GetByEmail returns the list for its main address.
func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*core.List, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.lists[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownList, email)
	}
	clone := *list
	return &clone, nil
}

// Subscribers returns all subscribers of a list, ordered by email.
func (s *MemoryStore) Subscribers(ctx context.Context, listEmail string) ([]core.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.subs[strings.ToLower(listEmail)]
	out := make([]core.Subscriber, 0, len(members))
	for _, sub := range members {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// Get returns the subscriber with the given email, or nil.
func (s *MemoryStore) Get(ctx context.Context, listEmail, email string) (*core.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[strings.ToLower(listEmail)][strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

// ByFingerprint returns the subscriber whose key has the given
// primary fingerprint, or nil.
func (s *MemoryStore) ByFingerprint(ctx context.Context, listEmail, fingerprint string) (*core.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target := strings.ToUpper(fingerprint)
	for _, sub := range s.subs[strings.ToLower(listEmail)] {
		if strings.ToUpper(sub.Fingerprint) == target && target != "" {
			match := sub
			return &match, nil
		}
	}
	return nil, nil
}

// Add inserts or replaces a subscription.
func (s *MemoryStore) Add(ctx context.Context, listEmail string, sub core.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(listEmail)
	if s.subs[key] == nil {
		s.subs[key] = make(map[string]core.Subscriber)
	}
	sub.Email = strings.ToLower(sub.Email)
	s.subs[key][sub.Email] = sub
	return nil
}

// Remove deletes a subscription and reports whether it existed.
func (s *MemoryStore) Remove(ctx context.Context, listEmail, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.subs[strings.ToLower(listEmail)]
	key := strings.ToLower(email)
	if _, ok := members[key]; !ok {
		return false, nil
	}
	delete(members, key)
	return true, nil
}

// SetFingerprint updates the key association of a subscription.
func (s *MemoryStore) SetFingerprint(ctx context.Context, listEmail, email, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.subs[strings.ToLower(listEmail)]
	key := strings.ToLower(email)
	sub, ok := members[key]
	if !ok {
		return fmt.Errorf("no subscription for %s on %s", email, listEmail)
	}
	sub.Fingerprint = strings.ToUpper(fingerprint)
	members[key] = sub
	return nil
}

var (
	_ core.ListStore       = (*MemoryStore)(nil)
	_ core.SubscriberStore = (*MemoryStore)(nil)
)
