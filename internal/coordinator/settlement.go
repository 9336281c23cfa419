package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/errs"
	"github.com/example/roadside-dispatch/internal/ledger"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/storage"
)

// settle claims the request's settlement by setting SettledAt under a version
// check, then writes the worker's held earnings and the platform fee. Whoever
// loses the claim sees SettledAt already set and writes nothing.
func (c *Coordinator) settle(ctx context.Context, r *models.ServiceRequest) (*models.ServiceRequest, error) {
	var claimed *models.ServiceRequest
	for attempt := 0; attempt < maxAttempts && claimed == nil; attempt++ {
		if r.SettledAt != nil {
			return r, nil
		}
		now := c.now()
		cond := storage.Condition{Version: r.Version, Status: []models.RequestStatus{models.StatusCompleted}}
		updated, err := c.Requests.Update(ctx, r.ID, cond, storage.RequestPatch{SettledAt: &now})
		switch {
		case err == nil:
			claimed = updated
		case errors.Is(err, storage.ErrConflict):
			if r, err = c.load(ctx, r.ID); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("claim settlement of %s: %w", r.ID, err)
		}
	}
	if claimed == nil {
		return nil, errs.InvalidState("service request %s is changing too quickly, try again", r.ID)
	}

	availableAt := claimed.SettledAt.Add(c.cfg.SettlementHold)
	earnings := claimed.Pricing.WorkerEarnings
	if _, err := c.Ledger.Record(ctx, ledger.Entry{
		UserID:      claimed.MechanicID,
		Type:        models.TxWorkerEarnings,
		Amount:      earnings,
		Description: "Earnings for service request " + claimed.ID,
		RequestID:   claimed.ID,
		AvailableAt: &availableAt,
	}); err != nil {
		c.logger.Error("settlement claimed but earnings not recorded", "request_id", claimed.ID, "mechanic_id", claimed.MechanicID, "error", err)
		return nil, fmt.Errorf("record earnings for %s: %w", claimed.ID, err)
	}
	if _, err := c.Ledger.Record(ctx, ledger.Entry{
		UserID:      claimed.ClientID,
		Type:        models.TxPlatformFee,
		Amount:      claimed.Pricing.PlatformFee.Neg(),
		Description: "Platform fee for service request " + claimed.ID,
		RequestID:   claimed.ID,
	}); err != nil {
		c.logger.Error("settlement claimed but platform fee not recorded", "request_id", claimed.ID, "error", err)
		return nil, fmt.Errorf("record platform fee for %s: %w", claimed.ID, err)
	}

	observability.Settlements.Inc()
	c.logger.Info("service request settled", "request_id", claimed.ID, "mechanic_id", claimed.MechanicID,
		"earnings", earnings.StringFixed(2), "available_at", availableAt)
	c.Notifier.SendToUser(ctx, claimed.MechanicID, c.event(dispatch.EventPaymentReleased, claimed, map[string]any{
		"request_id":   claimed.ID,
		"amount":       earnings,
		"available_at": availableAt,
	}))
	return claimed, nil
}

// Cancel is client-only and allowed until the request completes. An approved
// payment is refunded after the cancellation commits; what happens when the
// refund fails depends on the RefundPolicy.
func (c *Coordinator) Cancel(ctx context.Context, actorID, id string, in CancelInput) (*models.ServiceRequest, error) {
	const name = "cancel"
	if err := in.Validate(); err != nil {
		return nil, c.fail(name, err)
	}
	var prev models.RequestStatus
	cancelled, err := c.transition(ctx, name, id, func(r *models.ServiceRequest) (storage.RequestPatch, error) {
		if r.ClientID != actorID {
			return storage.RequestPatch{}, errs.Forbidden("only the requesting client can cancel")
		}
		if r.Status == models.StatusCompleted || r.Status == models.StatusCancelled {
			return storage.RequestPatch{}, errs.InvalidState("cannot cancel a %s request", r.Status)
		}
		prev = r.Status
		now := c.now()
		status := models.StatusCancelled
		reason := in.Reason
		return storage.RequestPatch{Status: &status, CancelledAt: &now, CancelReason: &reason}, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("service request cancelled", "request_id", id, "previous_status", prev, "reason", in.Reason)

	if cancelled.PaymentStatus == models.PaymentApproved && cancelled.PaymentRef != "" {
		cancelled, err = c.refund(ctx, cancelled, prev)
		if err != nil {
			return nil, err
		}
	}

	ev := c.event(dispatch.EventRequestCancelled, cancelled, nil)
	if cancelled.MechanicID != "" {
		c.Notifier.SendToUser(ctx, cancelled.MechanicID, ev)
	} else {
		c.Notifier.BroadcastToOnlineWorkers(ctx, ev)
	}
	return cancelled, nil
}

func (c *Coordinator) refund(ctx context.Context, r *models.ServiceRequest, prev models.RequestStatus) (*models.ServiceRequest, error) {
	amount := r.Pricing.TotalPrice
	gctx, cancel := c.gatewayContext(ctx)
	receipt, rerr := c.Gateway.Refund(gctx, r.PaymentRef, amount)
	cancel()

	if rerr == nil {
		if _, err := c.Ledger.Record(ctx, ledger.Entry{
			UserID:      r.ClientID,
			Type:        models.TxRefund,
			Amount:      amount,
			Description: "Refund for cancelled service request " + r.ID,
			RequestID:   r.ID,
		}); err != nil {
			c.logger.Error("refund issued but not recorded", "request_id", r.ID, "refund_id", receipt.RefundID, "error", err)
		}
		c.logger.Info("payment refunded", "request_id", r.ID, "refund_id", receipt.RefundID, "amount", amount.StringFixed(2))
		return c.setPaymentStatus(ctx, r, models.PaymentRefunded), nil
	}

	observability.RefundFailures.Inc()
	c.logger.Error("refund failed", "request_id", r.ID, "payment_ref", r.PaymentRef, "policy", c.cfg.RefundPolicy, "error", rerr)
	if c.cfg.RefundPolicy != RefundBlock {
		return c.setPaymentStatus(ctx, r, models.PaymentRefundFailed), nil
	}

	empty := ""
	cond := storage.Condition{Version: r.Version, Status: []models.RequestStatus{models.StatusCancelled}}
	patch := storage.RequestPatch{Status: &prev, CancelReason: &empty, ClearCancelledAt: true}
	if _, err := c.Requests.Update(ctx, r.ID, cond, patch); err != nil {
		c.logger.Error("roll back cancellation", "request_id", r.ID, "restore_status", prev, "error", err)
	} else {
		c.logger.Warn("cancellation rolled back after refund failure", "request_id", r.ID, "status", prev)
	}
	return nil, errs.Wrap(errs.KindUpstreamPayment, rerr, "refund failed, the request was not cancelled")
}

// setPaymentStatus is best effort; the cancellation already stands.
func (c *Coordinator) setPaymentStatus(ctx context.Context, r *models.ServiceRequest, status models.PaymentStatus) *models.ServiceRequest {
	cond := storage.Condition{Status: []models.RequestStatus{models.StatusCancelled}}
	updated, err := c.Requests.Update(ctx, r.ID, cond, storage.RequestPatch{PaymentStatus: &status})
	if err != nil {
		c.logger.Error("update payment status", "request_id", r.ID, "payment_status", status, "error", err)
		r.PaymentStatus = status
		return r
	}
	return updated
}
