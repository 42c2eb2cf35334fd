package ledger

import (
	"context"
	"errors"
	"sync"
)

var ErrChainConflict = errors.New("audit chain conflict")

type InMemoryStore struct {
	mu     sync.Mutex
	events []EventRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) WithTx(_ context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	s.events = append(s.events, tx.pending...)
	return nil
}

type memTx struct {
	store   *InMemoryStore
	pending []EventRecord
}

func (t *memTx) TailEvent() (EventRecord, bool, error) {
	if n := len(t.pending); n > 0 {
		return t.pending[n-1], true, nil
	}
	return t.store.tailLocked()
}

func (t *memTx) PutEvent(rec EventRecord) error {
	tail, ok, _ := t.TailEvent()
	if ok && (rec.Sequence != tail.Sequence+1 || rec.PrevHash != tail.RowHash) {
		return ErrChainConflict
	}
	t.pending = append(t.pending, rec)
	return nil
}

func (s *InMemoryStore) tailLocked() (EventRecord, bool, error) {
	if len(s.events) == 0 {
		return EventRecord{}, false, nil
	}
	return s.events[len(s.events)-1], true, nil
}

func (s *InMemoryStore) TailEvent(_ context.Context) (EventRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailLocked()
}

func (s *InMemoryStore) ListEvents(_ context.Context, afterSeq int64, limit int) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []EventRecord{}
	for _, ev := range s.events {
		if ev.Sequence <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) LatestEventByJTI(_ context.Context, jti string) (EventRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if ev := s.events[i]; ev.JTI != nil && *ev.JTI == jti {
			return ev, true, nil
		}
	}
	return EventRecord{}, false, nil
}
