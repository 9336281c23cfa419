// Package presence tracks which workers are accepting calls, where users last
// reported themselves, and which session token belongs to which user. Both
// directories have a Redis implementation so that any API process can answer
// for any principal.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/roadside-dispatch/internal/models"
)

var ErrUnknownSession = errors.New("presence: unknown session")

type Directory interface {
	SetOnline(ctx context.Context, workerID string, online bool) error
	IsOnline(ctx context.Context, workerID string) (bool, error)
	OnlineWorkers(ctx context.Context) ([]string, error)
	UpdateLocation(ctx context.Context, userID string, loc models.Coord) error
	// Location reports the last known position; ok is false if none.
	Location(ctx context.Context, userID string) (loc models.Coord, ok bool, err error)
}

type SessionStore interface {
	Issue(ctx context.Context, userID string) (string, error)
	Resolve(ctx context.Context, token string) (string, error)
	Revoke(ctx context.Context, token string) error
}

// Index is the in-memory Directory.
type Index struct {
	mu        sync.RWMutex
	online    map[string]bool
	locations map[string]position
}

type position struct {
	loc     models.Coord
	updated time.Time
}

func NewIndex() *Index {
	return &Index{online: make(map[string]bool), locations: make(map[string]position)}
}

func (g *Index) SetOnline(_ context.Context, workerID string, online bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if online {
		g.online[workerID] = true
	} else {
		delete(g.online, workerID)
	}
	return nil
}

func (g *Index) IsOnline(_ context.Context, workerID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.online[workerID], nil
}

func (g *Index) OnlineWorkers(_ context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.online))
	for id := range g.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (g *Index) UpdateLocation(_ context.Context, userID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locations[userID] = position{loc: loc, updated: time.Now()}
	return nil
}

func (g *Index) Location(_ context.Context, userID string) (models.Coord, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.locations[userID]
	return p.loc, ok, nil
}

// MemorySessions is the in-memory SessionStore.
type MemorySessions struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{tokens: make(map[string]string)}
}

func (m *MemorySessions) Issue(_ context.Context, userID string) (string, error) {
	tok := uuid.NewString()
	m.mu.Lock()
	m.tokens[tok] = userID
	m.mu.Unlock()
	return tok, nil
}

func (m *MemorySessions) Resolve(_ context.Context, token string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uid, ok := m.tokens[token]
	if !ok {
		return "", ErrUnknownSession
	}
	return uid, nil
}

func (m *MemorySessions) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	delete(m.tokens, token)
	m.mu.Unlock()
	return nil
}
