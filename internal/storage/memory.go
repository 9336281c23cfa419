package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
)

// MemoryStore implements every store interface in process memory. It is used
// when no PG_DSN is configured and by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.ServiceRequest
	users    map[string]*models.User
	chat     map[string][]*models.ChatMessage
	txs      map[string]*models.Transaction
	txOrder  []string
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.ServiceRequest),
		users:    make(map[string]*models.User),
		chat:     make(map[string][]*models.ChatMessage),
		txs:      make(map[string]*models.Transaction),
		now:      time.Now,
	}
}

// Requests, Users, Chat and Transactions expose the store through the narrow
// interfaces; method names collide otherwise.
func (m *MemoryStore) Requests() RequestStore         { return memRequests{m} }
func (m *MemoryStore) Users() UserStore               { return memUsers{m} }
func (m *MemoryStore) Chat() ChatStore                { return memChat{m} }
func (m *MemoryStore) Transactions() TransactionStore { return memTxs{m} }

type memRequests struct{ m *MemoryStore }

func (s memRequests) Create(_ context.Context, r *models.ServiceRequest) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = models.StatusPending
	r.MechanicID = ""
	r.AcceptedAt, r.ArrivedAt, r.CompletedAt, r.CancelledAt, r.SettledAt = nil, nil, nil, nil, nil
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	r.Version = 1
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (s memRequests) Get(_ context.Context, id string) (*models.ServiceRequest, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (s memRequests) ListForUser(_ context.Context, userID string) ([]*models.ServiceRequest, error) {
	return s.m.filterRequests(func(r *models.ServiceRequest) bool {
		return r.ClientID == userID || r.MechanicID == userID
	}), nil
}

func (s memRequests) ListPendingNear(_ context.Context, lat, lng, radiusKm float64) ([]*models.ServiceRequest, error) {
	return s.m.filterRequests(func(r *models.ServiceRequest) bool {
		return r.Status == models.StatusPending && geo.DistanceKm(lat, lng, r.Pickup.Lat, r.Pickup.Lon) <= radiusKm
	}), nil
}

func (s memRequests) ActiveForUser(_ context.Context, userID string) (*models.ServiceRequest, error) {
	out := s.m.filterRequests(func(r *models.ServiceRequest) bool {
		return (r.ClientID == userID || r.MechanicID == userID) &&
			(r.Status == models.StatusAccepted || r.Status == models.StatusArrived)
	})
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

func (s memRequests) Update(_ context.Context, id string, cond Condition, patch RequestPatch) (*models.ServiceRequest, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !cond.matches(r) {
		return nil, ErrConflict
	}
	next := cloneRequest(r)
	patch.apply(next)
	next.Version++
	m.requests[id] = next
	return cloneRequest(next), nil
}

func (m *MemoryStore) filterRequests(keep func(*models.ServiceRequest) bool) []*models.ServiceRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ServiceRequest, 0)
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

type memUsers struct{ m *MemoryStore }

func (s memUsers) Create(_ context.Context, u *models.User) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	if u.RatingCount == 0 && u.Rating == 0 {
		u.Rating = models.DefaultRating
	}
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (s memUsers) Get(_ context.Context, id string) (*models.User, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s memUsers) SetBaseLocation(_ context.Context, id string, loc models.Coord) error {
	return s.m.mutateUser(id, func(u *models.User) { l := loc; u.BaseLocation = &l })
}

func (s memUsers) SetPayoutDestination(_ context.Context, id, destination string) error {
	return s.m.mutateUser(id, func(u *models.User) { u.PayoutDestination = destination })
}

func (s memUsers) ApplyRating(_ context.Context, id string, rating int) (*models.User, error) {
	var out *models.User
	err := s.m.mutateUser(id, func(u *models.User) {
		u.Rating = (u.Rating*float64(u.RatingCount) + float64(rating)) / float64(u.RatingCount+1)
		u.RatingCount++
		out = cloneUser(u)
	})
	return out, err
}

func (m *MemoryStore) mutateUser(id string, fn func(*models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

type memChat struct{ m *MemoryStore }

func (s memChat) Append(_ context.Context, msg *models.ChatMessage) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	c := *msg
	m.chat[msg.RequestID] = append(m.chat[msg.RequestID], &c)
	return nil
}

func (s memChat) List(_ context.Context, requestID string) ([]*models.ChatMessage, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.chat[requestID]
	out := make([]*models.ChatMessage, 0, len(src))
	for _, msg := range src {
		c := *msg
		out = append(out, &c)
	}
	return out, nil
}

type memTxs struct{ m *MemoryStore }

func (s memTxs) Append(_ context.Context, tx *models.Transaction) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertTxLocked(tx)
	return nil
}

func (s memTxs) AppendGuarded(_ context.Context, tx *models.Transaction, guard func([]models.Transaction) error) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := guard(m.txsForUserLocked(tx.UserID)); err != nil {
		return err
	}
	m.insertTxLocked(tx)
	return nil
}

func (m *MemoryStore) insertTxLocked(tx *models.Transaction) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = m.now()
	}
	c := cloneTx(tx)
	m.txs[tx.ID] = &c
	m.txOrder = append(m.txOrder, tx.ID)
}

func (s memTxs) Get(_ context.Context, id string) (*models.Transaction, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneTx(tx)
	return &c, nil
}

func (s memTxs) ListForUser(_ context.Context, userID string) ([]models.Transaction, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txsForUserLocked(userID), nil
}

func (m *MemoryStore) txsForUserLocked(userID string) []models.Transaction {
	out := make([]models.Transaction, 0)
	for _, id := range m.txOrder {
		if tx := m.txs[id]; tx.UserID == userID {
			out = append(out, cloneTx(tx))
		}
	}
	return out
}

func (s memTxs) ListByTypeStatus(_ context.Context, typ models.TransactionType, status models.TransactionStatus) ([]models.Transaction, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Transaction, 0)
	for _, id := range m.txOrder {
		if tx := m.txs[id]; tx.Type == typ && tx.Status == status {
			out = append(out, cloneTx(tx))
		}
	}
	return out, nil
}

func (s memTxs) CountForRequest(_ context.Context, requestID string, typ models.TransactionType) (int, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tx := range m.txs {
		if tx.RequestID == requestID && tx.Type == typ {
			n++
		}
	}
	return n, nil
}

func (s memTxs) Transition(_ context.Context, id string, from, to models.TransactionStatus, patch TransactionPatch) (*models.Transaction, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if tx.Status != from {
		return nil, ErrConflict
	}
	tx.Status = to
	if patch.PayoutRef != nil {
		tx.PayoutRef = *patch.PayoutRef
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		tx.CompletedAt = &t
	}
	c := cloneTx(tx)
	return &c, nil
}

func cloneRequest(r *models.ServiceRequest) *models.ServiceRequest {
	c := *r
	if r.DistanceKm != nil {
		d := *r.DistanceKm
		c.DistanceKm = &d
	}
	if r.ClientRating != nil {
		v := *r.ClientRating
		c.ClientRating = &v
	}
	if r.MechanicRating != nil {
		v := *r.MechanicRating
		c.MechanicRating = &v
	}
	c.AcceptedAt = pickTime(r.AcceptedAt, nil)
	c.ArrivedAt = pickTime(r.ArrivedAt, nil)
	c.CompletedAt = pickTime(r.CompletedAt, nil)
	c.CancelledAt = pickTime(r.CancelledAt, nil)
	c.SettledAt = pickTime(r.SettledAt, nil)
	return &c
}

func cloneUser(u *models.User) *models.User {
	c := *u
	if u.BaseLocation != nil {
		l := *u.BaseLocation
		c.BaseLocation = &l
	}
	return &c
}

func cloneTx(tx *models.Transaction) models.Transaction {
	c := *tx
	c.AvailableAt = pickTime(tx.AvailableAt, nil)
	c.CompletedAt = pickTime(tx.CompletedAt, nil)
	return c
}
