// Package ratelimit implements the settlement-layer sliding-window limiter
// consulted on escrow creation. This is distinct from
// internal/httprate, which guards the transport surface against IP/API-key
// abuse; this package enforces the business rule that caps how many
// escrows a given entity may create per hour and per day, banded by its
// verification level.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/escrowerr"
)

// Level is a closed set of verification tiers, each mapping to an
// (hourly_cap, daily_cap) pair.
type Level string

const (
	LevelBasic Level = "basic"
	LevelStaked Level = "staked"
	LevelSocial Level = "social"
	LevelKYC Level = "kyc"
)

const (
	hourWindow = 3600 * time.Second
	dayWindow = 86400 * time.Second
)

type caps struct {
	hourly uint64
	daily uint64
}

var levelCaps = map[Level]caps{
	LevelBasic: {1, 10},
	LevelStaked: {10, 100},
	LevelSocial: {50, 500},
	LevelKYC: {1000, 10000},
}

// Window is the persisted rate-limiter record for one entity.
type Window struct {
	Entity string
	Level Level
	HourStart time.Time
	DayStart time.Time
	TransactionsThisHour uint64
	TransactionsThisDay uint64
}

// Allow rolls w's windows forward to now if their anchors have expired, then
// checks and increments both counters against the level's caps. It mutates
// w in place and returns an error (without mutating) if either cap would be
// exceeded.
func Allow(w *Window, now time.Time) error {
	if w.HourStart.IsZero() {
		w.HourStart = now
	}
	if w.DayStart.IsZero() {
		w.DayStart = now
	}

	if now.Sub(w.HourStart) >= hourWindow {
		w.HourStart = now
		w.TransactionsThisHour = 0
	}
	if now.Sub(w.DayStart) >= dayWindow {
		w.DayStart = now
		w.TransactionsThisDay = 0
	}

	c, ok := levelCaps[w.Level]
	if !ok {
		c = levelCaps[LevelBasic]
	}

	if w.TransactionsThisHour+1 > c.hourly || w.TransactionsThisDay+1 > c.daily {
		return escrowerr.New(escrowerr.RateLimitExceeded)
	}

	w.TransactionsThisHour++
	w.TransactionsThisDay++
	return nil
}

// Caps returns the (hourly, daily) cap pair for a verification level.
func Caps(level Level) (hourly, daily uint64) {
	c, ok := levelCaps[level]
	if !ok {
		c = levelCaps[LevelBasic]
	}
	return c.hourly, c.daily
}

// Store persists rate-limiter windows, created lazily per entity.
type Store interface {
	Get(ctx context.Context, entity string, level Level) (*Window, error)
	Update(ctx context.Context, w *Window) error
}

// MemoryStore is an in-memory rate-limiter store for demo/development mode.
type MemoryStore struct {
	mu sync.Mutex
	windows map[string]*Window
}

// NewMemoryStore creates a new in-memory rate-limiter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window)}
}

func (m *MemoryStore) Get(_ context.Context, entity string, level Level) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.windows[entity]; ok {
		cp := *w
		return &cp, nil
	}
	return &Window{Entity: entity, Level: level}, nil
}

func (m *MemoryStore) Update(_ context.Context, w *Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.windows[w.Entity] = &cp
	return nil
}
