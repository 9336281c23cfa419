package coordinator

import (
	"context"
	"fmt"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/errs"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/storage"
)

// MechanicCard is what the client learns about the worker who accepted.
type MechanicCard struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Phone       string  `json:"phone,omitempty"`
	Rating      float64 `json:"rating"`
	RatingCount int     `json:"rating_count"`
}

type AcceptedPayload struct {
	Request  *models.ServiceRequest `json:"request"`
	Mechanic MechanicCard           `json:"mechanic"`
}

// Create verifies the client's payment, freezes a price and opens a pending
// request. Every online worker hears about it.
func (c *Coordinator) Create(ctx context.Context, actorID string, in CreateRequestInput) (*models.ServiceRequest, error) {
	const name = "create"
	client, err := c.user(ctx, actorID)
	if err != nil {
		return nil, c.fail(name, err)
	}
	if client.Role != models.RoleClient {
		return nil, c.fail(name, errs.Forbidden("only clients can request service"))
	}
	if err := in.Validate(); err != nil {
		return nil, c.fail(name, err)
	}

	gctx, cancel := c.gatewayContext(ctx)
	status, err := c.Gateway.CaptureStatus(gctx, in.PaymentRef)
	cancel()
	if err != nil {
		c.logger.Error("payment lookup failed", "client_id", actorID, "payment_ref", in.PaymentRef, "error", err)
		return nil, c.fail(name, errs.Wrap(errs.KindUpstreamPayment, err, "could not verify payment, try again later"))
	}
	if status != payments.CaptureApproved {
		return nil, c.fail(name, errs.New(errs.KindUpstreamPayment, "payment %s is %s, not approved", in.PaymentRef, status))
	}

	now := c.now()
	r := &models.ServiceRequest{
		ClientID:      actorID,
		ServiceType:   in.ServiceType,
		Pickup:        in.Pickup,
		Address:       in.Address,
		Description:   in.Description,
		Vehicle:       in.Vehicle,
		Pricing:       c.Pricing.Compute(now),
		PaymentStatus: models.PaymentApproved,
		PaymentRef:    in.PaymentRef,
		CreatedAt:     now,
	}
	if err := c.Requests.Create(ctx, r); err != nil {
		return nil, c.fail(name, fmt.Errorf("create request for %s: %w", actorID, err))
	}
	observability.Transitions.WithLabelValues(name, "ok").Inc()
	observability.RequestsCreated.Inc()
	c.logger.Info("service request created", "request_id", r.ID, "client_id", actorID,
		"total", r.Pricing.TotalPrice.StringFixed(2), "after_hours", r.Pricing.AfterHours)

	c.Notifier.BroadcastToOnlineWorkers(ctx, c.event(dispatch.EventRequestCreated, r, nil))
	return r, nil
}

// Accept assigns the request to the calling worker. Of any number of racing
// workers exactly one wins; the rest get AlreadyAccepted.
func (c *Coordinator) Accept(ctx context.Context, actorID, id string) (*models.ServiceRequest, error) {
	const name = "accept"
	worker, err := c.user(ctx, actorID)
	if err != nil {
		return nil, c.fail(name, err)
	}
	if worker.Role != models.RoleWorker {
		return nil, c.fail(name, errs.Forbidden("only workers can accept requests"))
	}
	if worker.BaseLocation == nil {
		return nil, c.fail(name, errs.Forbidden("set a base location before accepting requests"))
	}
	online, err := c.Presence.IsOnline(ctx, actorID)
	if err != nil {
		return nil, c.fail(name, fmt.Errorf("presence of %s: %w", actorID, err))
	}
	if !online {
		return nil, c.fail(name, errs.Forbidden("go online before accepting requests"))
	}

	updated, err := c.transition(ctx, name, id, func(r *models.ServiceRequest) (storage.RequestPatch, error) {
		switch r.Status {
		case models.StatusPending:
		case models.StatusCancelled:
			return storage.RequestPatch{}, errs.InvalidState("service request %s was cancelled", r.ID)
		default:
			observability.AcceptRacesLost.Inc()
			return storage.RequestPatch{}, errs.New(errs.KindAlreadyAccepted, "service request %s was already accepted", r.ID)
		}
		now := c.now()
		status := models.StatusAccepted
		dist := geo.Between(*worker.BaseLocation, r.Pickup)
		return storage.RequestPatch{
			Status:     &status,
			MechanicID: &actorID,
			DistanceKm: &dist,
			AcceptedAt: &now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("service request accepted", "request_id", id, "mechanic_id", actorID, "distance_km", *updated.DistanceKm)

	card := MechanicCard{ID: worker.ID, Name: worker.Name, Phone: worker.Phone, Rating: worker.Rating, RatingCount: worker.RatingCount}
	c.Notifier.SendToUser(ctx, updated.ClientID, c.event(dispatch.EventRequestAccepted, updated, AcceptedPayload{Request: updated, Mechanic: card}))
	c.Notifier.SendToUser(ctx, actorID, c.event(dispatch.EventRequestAcceptConfirm, updated, nil))
	c.Notifier.BroadcastToOnlineWorkers(ctx, c.event(dispatch.EventRequestTaken, updated, map[string]string{"id": updated.ID}), actorID)
	return updated, nil
}

// Arrive is reported by the assigned mechanic on reaching the pickup.
func (c *Coordinator) Arrive(ctx context.Context, actorID, id string) (*models.ServiceRequest, error) {
	updated, err := c.transition(ctx, "arrive", id, func(r *models.ServiceRequest) (storage.RequestPatch, error) {
		if r.MechanicID != actorID {
			return storage.RequestPatch{}, errs.Forbidden("only the assigned mechanic can report arrival")
		}
		if r.Status != models.StatusAccepted {
			return storage.RequestPatch{}, errs.InvalidState("cannot mark arrival on a %s request", r.Status)
		}
		now := c.now()
		status := models.StatusArrived
		return storage.RequestPatch{Status: &status, ArrivedAt: &now}, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("mechanic arrived", "request_id", id, "mechanic_id", actorID)
	c.Notifier.SendToUser(ctx, updated.ClientID, c.event(dispatch.EventMechanicArrived, updated, nil))
	return updated, nil
}

// Complete may be called by either party once a mechanic is assigned.
func (c *Coordinator) Complete(ctx context.Context, actorID, id string) (*models.ServiceRequest, error) {
	updated, err := c.transition(ctx, "complete", id, func(r *models.ServiceRequest) (storage.RequestPatch, error) {
		if !r.IsParty(actorID) {
			return storage.RequestPatch{}, errs.Forbidden("you are not a party to this service request")
		}
		if r.Status != models.StatusAccepted && r.Status != models.StatusArrived {
			return storage.RequestPatch{}, errs.InvalidState("cannot complete a %s request", r.Status)
		}
		now := c.now()
		status := models.StatusCompleted
		return storage.RequestPatch{Status: &status, CompletedAt: &now}, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("service request completed", "request_id", id, "by", actorID)
	c.Notifier.SendToUser(ctx, updated.Counterpart(actorID), c.event(dispatch.EventRequestCompleted, updated, nil))
	return updated, nil
}

// Confirm records the caller's sign-off on a completed request. Confirming
// twice is a no-op.
func (c *Coordinator) Confirm(ctx context.Context, actorID, id string) (*models.ServiceRequest, error) {
	changed := false
	updated, err := c.transition(ctx, "confirm", id, func(r *models.ServiceRequest) (storage.RequestPatch, error) {
		changed = false
		if !r.IsParty(actorID) {
			return storage.RequestPatch{}, errs.Forbidden("you are not a party to this service request")
		}
		if r.Status != models.StatusCompleted {
			return storage.RequestPatch{}, errs.InvalidState("only completed requests can be confirmed")
		}
		yes := true
		if actorID == r.ClientID {
			if r.ClientConfirmed {
				return storage.RequestPatch{}, errNoChange
			}
			changed = true
			return storage.RequestPatch{ClientConfirmed: &yes}, nil
		}
		if r.MechanicConfirmed {
			return storage.RequestPatch{}, errNoChange
		}
		changed = true
		return storage.RequestPatch{MechanicConfirmed: &yes}, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		c.logger.Info("service request confirmed", "request_id", id, "by", actorID, "both", updated.BothConfirmed())
		c.Notifier.SendToUser(ctx, updated.Counterpart(actorID), c.event(dispatch.EventRequestConfirmed, updated, nil))
	}
	return updated, nil
}

// Rate stores the caller's rating of the counterpart and folds it into the
// counterpart's running average. The second rating settles the request.
func (c *Coordinator) Rate(ctx context.Context, actorID, id string, in RateInput) (*models.ServiceRequest, error) {
	const name = "rate"
	if err := in.Validate(); err != nil {
		return nil, c.fail(name, err)
	}
	updated, err := c.transition(ctx, name, id, func(r *models.ServiceRequest) (storage.RequestPatch, error) {
		if !r.IsParty(actorID) {
			return storage.RequestPatch{}, errs.Forbidden("you are not a party to this service request")
		}
		if r.Status != models.StatusCompleted {
			return storage.RequestPatch{}, errs.InvalidState("only completed requests can be rated")
		}
		if !r.BothConfirmed() {
			return storage.RequestPatch{}, errs.InvalidState("both parties must confirm completion before rating")
		}
		rating, comment := in.Rating, in.Comment
		if actorID == r.ClientID {
			if r.ClientRating != nil {
				return storage.RequestPatch{}, errs.New(errs.KindAlreadyProcessed, "you already rated this service request")
			}
			return storage.RequestPatch{ClientRating: &rating, ClientComment: &comment}, nil
		}
		if r.MechanicRating != nil {
			return storage.RequestPatch{}, errs.New(errs.KindAlreadyProcessed, "you already rated this service request")
		}
		return storage.RequestPatch{MechanicRating: &rating, MechanicComment: &comment}, nil
	})
	if err != nil {
		return nil, err
	}

	ratee := updated.Counterpart(actorID)
	if u, err := c.Users.ApplyRating(ctx, ratee, in.Rating); err != nil {
		c.logger.Error("apply rating to user", "request_id", id, "user_id", ratee, "rating", in.Rating, "error", err)
	} else {
		c.logger.Info("rating recorded", "request_id", id, "by", actorID, "user_id", ratee, "average", u.Rating)
	}
	c.Notifier.SendToUser(ctx, ratee, c.event(dispatch.EventRequestRated, updated, map[string]any{"id": updated.ID, "rating": in.Rating}))

	if updated.BothRated() {
		settled, err := c.settle(ctx, updated)
		if err != nil {
			return nil, err
		}
		return settled, nil
	}
	return updated, nil
}
