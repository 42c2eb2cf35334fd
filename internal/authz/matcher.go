package authz

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists the rule list. Implementations bump Version and set
// UpdatedAt atomically with each mutation.
type Store interface {
	LoadRules(ctx context.Context) (RuleSet, error)
	// Version returns the current rule-set version without loading rules.
	Version(ctx context.Context) (int64, error)
	InsertRule(ctx context.Context, rule Rule, updatedAt string) error
	// DeleteRule reports whether a rule with id existed.
	DeleteRule(ctx context.Context, id string, updatedAt string) (bool, error)
}

// Matcher caches the rule list. The cache is dropped on every local grant
// or revoke and reloaded whenever the store reports a different version,
// so changes made through another Matcher on the same store are seen on
// the next Check.
type Matcher struct {
	store         Store
	defaultEffect Effect
	now           func() time.Time

	mu    sync.RWMutex
	cache *RuleSet
}

func NewMatcher(store Store, defaultEffect Effect) *Matcher {
	if defaultEffect != EffectAllow {
		defaultEffect = EffectDeny
	}
	return &Matcher{store: store, defaultEffect: defaultEffect, now: time.Now}
}

func (m *Matcher) DefaultEffect() Effect { return m.defaultEffect }

func (m *Matcher) Check(ctx context.Context, req Request) (Result, error) {
	set, err := m.rules(ctx)
	if err != nil {
		return Result{}, err
	}
	return Evaluate(set.Rules, req, m.defaultEffect), nil
}

func (m *Matcher) List(ctx context.Context) (RuleSet, error) {
	set, err := m.rules(ctx)
	if err != nil {
		return RuleSet{}, err
	}
	out := set
	out.Rules = append([]Rule(nil), set.Rules...)
	return out, nil
}

// Grant validates rule, assigns an id and creation time, and persists it.
func (m *Matcher) Grant(ctx context.Context, rule Rule) (Rule, error) {
	rule = rule.Normalize()
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	now := m.now().UTC().Format(time.RFC3339Nano)
	rule.ID = uuid.NewString()
	rule.CreatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = nil
	if err := m.store.InsertRule(ctx, rule, now); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// Revoke removes a rule by id. Revoking an unknown id is not an error.
func (m *Matcher) Revoke(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = nil
	return m.store.DeleteRule(ctx, id, m.now().UTC().Format(time.RFC3339Nano))
}

func (m *Matcher) rules(ctx context.Context) (RuleSet, error) {
	version, err := m.store.Version(ctx)
	if err != nil {
		return RuleSet{}, err
	}

	m.mu.RLock()
	cached := m.cache
	m.mu.RUnlock()
	if cached != nil && cached.Version == version {
		return *cached, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil && m.cache.Version == version {
		return *m.cache, nil
	}
	set, err := m.store.LoadRules(ctx)
	if err != nil {
		return RuleSet{}, err
	}
	for i := range set.Rules {
		set.Rules[i] = set.Rules[i].Normalize()
	}
	m.cache = &set
	return set, nil
}
