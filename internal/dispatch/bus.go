package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/roadside-dispatch/internal/observability"
)

// OnlineWorkers is the presence lookup the broadcast needs.
type OnlineWorkers interface {
	OnlineWorkers(ctx context.Context) ([]string, error)
}

// Mirror receives a copy of every event addressed to a user.
type Mirror interface {
	PublishEvent(ctx context.Context, userID string, ev Event) error
}

// Bus addresses events to users. Delivery is fire-and-forget: a user with no
// live session gets the push fallback if one is configured, otherwise nothing,
// and is expected to reconcile by polling.
type Bus struct {
	Registry *WSRegistry
	Workers  OnlineWorkers
	Push     Pusher
	Mirror   Mirror
	Logger   *slog.Logger
	// PushTimeout bounds each fallback push.
	PushTimeout time.Duration
	now         func() time.Time
}

func NewBus(reg *WSRegistry, workers OnlineWorkers, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{Registry: reg, Workers: workers, Logger: logger.With("component", "bus"), PushTimeout: 3 * time.Second, now: time.Now}
}

func (b *Bus) SendToUser(ctx context.Context, userID string, ev Event) {
	if userID == "" {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	if b.Mirror != nil {
		if err := b.Mirror.PublishEvent(ctx, userID, ev); err != nil {
			b.Logger.Warn("event mirror failed", "type", ev.Type, "user_id", userID, "error", err)
		}
	}
	err := b.Registry.Send(userID, ev)
	switch {
	case err == nil:
		observability.EventsSent.WithLabelValues("ws", "ok").Inc()
		return
	case errors.Is(err, ErrStaleEvent):
		observability.EventsSent.WithLabelValues("ws", "stale").Inc()
		return
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrSessionDone):
		observability.EventsSent.WithLabelValues("ws", "offline").Inc()
	default:
		observability.EventsSent.WithLabelValues("ws", "dropped").Inc()
		b.Logger.Warn("ws delivery failed", "type", ev.Type, "user_id", userID, "error", err)
		return
	}
	if b.Push == nil {
		return
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.PushTimeout)
		defer cancel()
		if err := b.Push.Push(pctx, userID, ev); err != nil {
			observability.EventsSent.WithLabelValues("push", "error").Inc()
			b.Logger.Warn("push delivery failed", "type", ev.Type, "user_id", userID, "error", err)
			return
		}
		observability.EventsSent.WithLabelValues("push", "ok").Inc()
	}()
}

// BroadcastToOnlineWorkers sends ev to every online worker except the
// excluded ids. It does not filter by distance: any online worker may be in
// range, and eligibility is checked again at accept time.
func (b *Bus) BroadcastToOnlineWorkers(ctx context.Context, ev Event, exclude ...string) {
	ids, err := b.Workers.OnlineWorkers(ctx)
	if err != nil {
		b.Logger.Error("list online workers", "type", ev.Type, "error", err)
		return
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := skip[id]; ok {
			continue
		}
		b.SendToUser(ctx, id, ev)
	}
}
