package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional write finds the row changed.
	ErrConflict = errors.New("storage: conflict")
)

// Condition guards a RequestStore.Update. Zero values impose no check.
type Condition struct {
	Version int64
	Status  []models.RequestStatus
}

func (c Condition) matches(r *models.ServiceRequest) bool {
	if c.Version != 0 && r.Version != c.Version {
		return false
	}
	if len(c.Status) == 0 {
		return true
	}
	for _, s := range c.Status {
		if r.Status == s {
			return true
		}
	}
	return false
}

// RequestPatch lists the fields a transition may change. Nil means unchanged.
type RequestPatch struct {
	Status            *models.RequestStatus
	MechanicID        *string
	DistanceKm        *float64
	PaymentStatus     *models.PaymentStatus
	ClientConfirmed   *bool
	MechanicConfirmed *bool
	ClientRating      *int
	ClientComment     *string
	MechanicRating    *int
	MechanicComment   *string
	CancelReason      *string
	AcceptedAt        *time.Time
	ArrivedAt         *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	SettledAt         *time.Time
	// ClearCancelledAt resets CancelledAt; used when a cancellation is rolled back.
	ClearCancelledAt bool
}

func (p RequestPatch) apply(r *models.ServiceRequest) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.MechanicID != nil {
		r.MechanicID = *p.MechanicID
	}
	if p.DistanceKm != nil {
		d := *p.DistanceKm
		r.DistanceKm = &d
	}
	if p.PaymentStatus != nil {
		r.PaymentStatus = *p.PaymentStatus
	}
	if p.ClientConfirmed != nil {
		r.ClientConfirmed = *p.ClientConfirmed
	}
	if p.MechanicConfirmed != nil {
		r.MechanicConfirmed = *p.MechanicConfirmed
	}
	if p.ClientRating != nil {
		v := *p.ClientRating
		r.ClientRating = &v
	}
	if p.ClientComment != nil {
		r.ClientComment = *p.ClientComment
	}
	if p.MechanicRating != nil {
		v := *p.MechanicRating
		r.MechanicRating = &v
	}
	if p.MechanicComment != nil {
		r.MechanicComment = *p.MechanicComment
	}
	if p.CancelReason != nil {
		r.CancelReason = *p.CancelReason
	}
	r.AcceptedAt = pickTime(p.AcceptedAt, r.AcceptedAt)
	r.ArrivedAt = pickTime(p.ArrivedAt, r.ArrivedAt)
	r.CompletedAt = pickTime(p.CompletedAt, r.CompletedAt)
	r.CancelledAt = pickTime(p.CancelledAt, r.CancelledAt)
	r.SettledAt = pickTime(p.SettledAt, r.SettledAt)
	if p.ClearCancelledAt {
		r.CancelledAt = nil
	}
}

func pickTime(patch, cur *time.Time) *time.Time {
	if patch == nil {
		return cur
	}
	t := *patch
	return &t
}

// RequestStore persists service requests. It does not check that a patch is a
// legal state transition; the coordinator does.
type RequestStore interface {
	Create(ctx context.Context, r *models.ServiceRequest) error
	Get(ctx context.Context, id string) (*models.ServiceRequest, error)
	ListForUser(ctx context.Context, userID string) ([]*models.ServiceRequest, error)
	ListPendingNear(ctx context.Context, lat, lng, radiusKm float64) ([]*models.ServiceRequest, error)
	ActiveForUser(ctx context.Context, userID string) (*models.ServiceRequest, error)
	Update(ctx context.Context, id string, cond Condition, patch RequestPatch) (*models.ServiceRequest, error)
}

type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	Get(ctx context.Context, id string) (*models.User, error)
	SetBaseLocation(ctx context.Context, id string, loc models.Coord) error
	SetPayoutDestination(ctx context.Context, id, destination string) error
	// ApplyRating folds one rating into the running average atomically.
	ApplyRating(ctx context.Context, id string, rating int) (*models.User, error)
}

type ChatStore interface {
	Append(ctx context.Context, m *models.ChatMessage) error
	List(ctx context.Context, requestID string) ([]*models.ChatMessage, error)
}

// TransactionPatch lists the fields Transition may set besides status.
type TransactionPatch struct {
	PayoutRef   *string
	CompletedAt *time.Time
}

type TransactionStore interface {
	Append(ctx context.Context, tx *models.Transaction) error
	// AppendGuarded runs guard over the owner's existing transactions and
	// inserts tx only if guard returns nil, atomically with respect to other
	// AppendGuarded calls for the same owner.
	AppendGuarded(ctx context.Context, tx *models.Transaction, guard func([]models.Transaction) error) error
	Get(ctx context.Context, id string) (*models.Transaction, error)
	ListForUser(ctx context.Context, userID string) ([]models.Transaction, error)
	ListByTypeStatus(ctx context.Context, typ models.TransactionType, status models.TransactionStatus) ([]models.Transaction, error)
	CountForRequest(ctx context.Context, requestID string, typ models.TransactionType) (int, error)
	// Transition moves id from one status to another; ErrConflict if the
	// stored status is not from.
	Transition(ctx context.Context, id string, from, to models.TransactionStatus, patch TransactionPatch) (*models.Transaction, error)
}
