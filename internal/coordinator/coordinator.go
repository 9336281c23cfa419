// Package coordinator runs the service-request state machine:
//
//	pending -> accepted -> arrived -> completed (-> rated by both, settled)
//	pending | accepted | arrived -> cancelled (client only)
//
// Every transition is a conditional write against the request's version, so
// racing callers re-read and re-check instead of overwriting each other. No
// in-process lock is held across storage or gateway calls.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/errs"
	"github.com/example/roadside-dispatch/internal/ledger"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/presence"
	"github.com/example/roadside-dispatch/internal/pricing"
	"github.com/example/roadside-dispatch/internal/storage"
)

// Notifier is the NotificationBus as seen by the coordinator.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, ev dispatch.Event)
	BroadcastToOnlineWorkers(ctx context.Context, ev dispatch.Event, exclude ...string)
}

// Gateway is the payment provider surface used for create and cancel.
type Gateway interface {
	CaptureStatus(ctx context.Context, paymentRef string) (payments.CaptureStatus, error)
	Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (payments.RefundReceipt, error)
}

// LedgerWriter records settlement and refund entries.
type LedgerWriter interface {
	Record(ctx context.Context, e ledger.Entry) (*models.Transaction, error)
}

// LocationSink receives position updates; the presence directory directly or
// a queue in front of it.
type LocationSink interface {
	UpdateLocation(ctx context.Context, userID string, loc models.Coord) error
}

type RefundPolicy string

const (
	// RefundProceed cancels even if the refund fails; the failure is logged.
	RefundProceed RefundPolicy = "proceed"
	// RefundBlock rolls the cancellation back when the refund fails.
	RefundBlock RefundPolicy = "block"
)

type Config struct {
	SettlementHold  time.Duration
	PendingRadiusKm float64
	RefundPolicy    RefundPolicy
	GatewayTimeout  time.Duration
	// AdminIDs are users granted the admin surface regardless of their role.
	AdminIDs []string
}

func DefaultConfig() Config {
	return Config{
		SettlementHold:  12 * time.Hour,
		PendingRadiusKm: 30,
		RefundPolicy:    RefundProceed,
		GatewayTimeout:  10 * time.Second,
	}
}

type Deps struct {
	Requests  storage.RequestStore
	Users     storage.UserStore
	Chat      storage.ChatStore
	Presence  presence.Directory
	Locations LocationSink
	Pricing   *pricing.Policy
	Ledger    LedgerWriter
	Gateway   Gateway
	Notifier  Notifier
}

type Coordinator struct {
	Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locations == nil {
		deps.Locations = deps.Presence
	}
	if deps.Pricing == nil {
		deps.Pricing = pricing.NewPolicy(time.UTC)
	}
	if cfg.RefundPolicy == "" {
		cfg.RefundPolicy = RefundProceed
	}
	if cfg.PendingRadiusKm <= 0 {
		cfg.PendingRadiusKm = DefaultConfig().PendingRadiusKm
	}
	return &Coordinator{Deps: deps, cfg: cfg, logger: logger.With("component", "coordinator"), now: time.Now}
}

// SetClock replaces the time source; tests pin it.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func (c *Coordinator) Config() Config { return c.cfg }

const maxAttempts = 5

// errNoChange lets a guard accept a call without writing anything.
var errNoChange = errors.New("no change")

// guard inspects the current snapshot and returns the patch to apply, or a
// domain error explaining why the transition is not allowed.
type guard func(r *models.ServiceRequest) (storage.RequestPatch, error)

// transition applies guard's patch with a compare-and-swap on the version and
// status guard saw. On conflict it re-reads and re-runs guard, so a loser ends
// up judging the winner's state.
func (c *Coordinator) transition(ctx context.Context, name, id string, g guard) (*models.ServiceRequest, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		r, err := c.load(ctx, id)
		if err != nil {
			return nil, c.fail(name, err)
		}
		patch, err := g(r)
		if errors.Is(err, errNoChange) {
			return r, nil
		}
		if err != nil {
			return nil, c.fail(name, err)
		}
		cond := storage.Condition{Version: r.Version, Status: []models.RequestStatus{r.Status}}
		updated, err := c.Requests.Update(ctx, id, cond, patch)
		switch {
		case err == nil:
			observability.Transitions.WithLabelValues(name, "ok").Inc()
			return updated, nil
		case errors.Is(err, storage.ErrConflict):
			c.logger.Debug("transition conflict, retrying", "transition", name, "request_id", id, "attempt", attempt+1)
			continue
		case errors.Is(err, storage.ErrNotFound):
			return nil, c.fail(name, errs.NotFound("service request %s not found", id))
		default:
			return nil, c.fail(name, fmt.Errorf("%s %s: %w", name, id, err))
		}
	}
	return nil, c.fail(name, errs.InvalidState("service request %s is changing too quickly, try again", id))
}

func (c *Coordinator) fail(name string, err error) error {
	result := string(errs.KindOf(err))
	if result == "" {
		result = "error"
	}
	observability.Transitions.WithLabelValues(name, result).Inc()
	return err
}

func (c *Coordinator) load(ctx context.Context, id string) (*models.ServiceRequest, error) {
	r, err := c.Requests.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.NotFound("service request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}
	return r, nil
}

func (c *Coordinator) user(ctx context.Context, id string) (*models.User, error) {
	u, err := c.Users.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	return u, nil
}

func (c *Coordinator) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.GatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.GatewayTimeout)
}

func (c *Coordinator) event(typ string, r *models.ServiceRequest, data any) dispatch.Event {
	if data == nil {
		data = r
	}
	return dispatch.Event{Type: typ, RequestID: r.ID, Seq: r.Version, At: c.now(), Data: data}
}

// Get returns a request the actor may see: its parties, any worker while it
// is still pending, and admins.
func (c *Coordinator) Get(ctx context.Context, actorID, id string) (*models.ServiceRequest, error) {
	r, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.IsParty(actorID) {
		return r, nil
	}
	u, err := c.user(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if u.Role == models.RoleAdmin || (u.Role == models.RoleWorker && r.Status == models.StatusPending) {
		return r, nil
	}
	return nil, errs.Forbidden("you are not a party to this service request")
}

func (c *Coordinator) ListForUser(ctx context.Context, actorID string) ([]*models.ServiceRequest, error) {
	out, err := c.Requests.ListForUser(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("list requests for %s: %w", actorID, err)
	}
	return out, nil
}

// ListPendingNear lists pending requests within radiusKm of the worker's base
// location; radiusKm <= 0 uses the configured default.
func (c *Coordinator) ListPendingNear(ctx context.Context, actorID string, radiusKm float64) ([]*models.ServiceRequest, error) {
	u, err := c.user(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if u.Role != models.RoleWorker {
		return nil, errs.Forbidden("only workers can list pending requests")
	}
	if u.BaseLocation == nil {
		return nil, errs.Forbidden("set a base location to see nearby requests")
	}
	if radiusKm <= 0 {
		radiusKm = c.cfg.PendingRadiusKm
	}
	out, err := c.Requests.ListPendingNear(ctx, u.BaseLocation.Lat, u.BaseLocation.Lon, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("list pending near %s: %w", actorID, err)
	}
	return out, nil
}

// ActiveForUser returns the user's accepted or arrived request, or nil.
func (c *Coordinator) ActiveForUser(ctx context.Context, actorID string) (*models.ServiceRequest, error) {
	r, err := c.Requests.ActiveForUser(ctx, actorID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active request for %s: %w", actorID, err)
	}
	return r, nil
}
