package authz

import (
	"context"
	"sync"
)

type InMemoryStore struct {
	mu  sync.Mutex
	set RuleSet
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) LoadRules(_ context.Context) (RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.set
	out.Rules = append([]Rule(nil), s.set.Rules...)
	return out, nil
}

func (s *InMemoryStore) Version(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Version, nil
}

func (s *InMemoryStore) InsertRule(_ context.Context, rule Rule, updatedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set.Rules = append(s.set.Rules, rule)
	s.set.Version++
	s.set.UpdatedAt = updatedAt
	return nil
}

func (s *InMemoryStore) DeleteRule(_ context.Context, id string, updatedAt string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexOf(s.set.Rules, id)
	if idx < 0 {
		return false, nil
	}
	s.set.Rules = append(s.set.Rules[:idx:idx], s.set.Rules[idx+1:]...)
	s.set.Version++
	s.set.UpdatedAt = updatedAt
	return true, nil
}

func indexOf(rules []Rule, id string) int {
	for i, r := range rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}
