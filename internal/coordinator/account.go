package coordinator

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/errs"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

type RegisterInput struct {
	Name  string      `json:"name"`
	Phone string      `json:"phone"`
	Role  models.Role `json:"role"`
}

func (in *RegisterInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Name == "" {
		return errs.Validation("name is required")
	}
	// Admins are seeded in the store or listed in Config.AdminIDs, never self-registered.
	if in.Role != models.RoleClient && in.Role != models.RoleWorker {
		return errs.Validation("role must be client or worker")
	}
	return nil
}

// Register creates a user with the default rating.
func (c *Coordinator) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	u := &models.User{
		Name:      in.Name,
		Phone:     in.Phone,
		Role:      in.Role,
		Rating:    models.DefaultRating,
		CreatedAt: c.now(),
	}
	if err := c.Users.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	c.logger.Info("user registered", "user_id", u.ID, "role", u.Role)
	return u, nil
}

// RequireRole fails with Forbidden unless the actor has role.
func (c *Coordinator) RequireRole(ctx context.Context, actorID string, role models.Role) error {
	u, err := c.user(ctx, actorID)
	if err != nil {
		return err
	}
	if u.Role == role || (role == models.RoleAdmin && slices.Contains(c.cfg.AdminIDs, u.ID)) {
		return nil
	}
	return errs.Forbidden("this action needs the %s role", role)
}

// Profile is a user plus what presence knows about them.
type Profile struct {
	*models.User
	Online   bool          `json:"online"`
	Location *models.Coord `json:"location,omitempty"`
}

func (c *Coordinator) Profile(ctx context.Context, actorID string) (*Profile, error) {
	u, err := c.user(ctx, actorID)
	if err != nil {
		return nil, err
	}
	p := &Profile{User: u}
	if u.Role == models.RoleWorker {
		if p.Online, err = c.Presence.IsOnline(ctx, actorID); err != nil {
			return nil, fmt.Errorf("presence of %s: %w", actorID, err)
		}
	}
	loc, ok, err := c.Presence.Location(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("location of %s: %w", actorID, err)
	}
	if ok {
		p.Location = &loc
	}
	return p, nil
}

// SetAvailability toggles whether a worker receives new-request broadcasts.
// Going online needs a base location.
func (c *Coordinator) SetAvailability(ctx context.Context, actorID string, online bool) error {
	u, err := c.user(ctx, actorID)
	if err != nil {
		return err
	}
	if u.Role != models.RoleWorker {
		return errs.Forbidden("only workers have an availability")
	}
	if online && u.BaseLocation == nil {
		return errs.Validation("set a base location before going online")
	}
	if err := c.Presence.SetOnline(ctx, actorID, online); err != nil {
		return fmt.Errorf("set availability of %s: %w", actorID, err)
	}
	// The directory may be shared by several replicas, so report its size
	// rather than counting flips seen here.
	if ids, err := c.Presence.OnlineWorkers(ctx); err == nil {
		observability.WorkersOnline.Set(float64(len(ids)))
	} else {
		c.logger.Warn("count online workers", "error", err)
	}
	c.logger.Info("availability changed", "worker_id", actorID, "online", online)
	return nil
}

func (c *Coordinator) UpdateLocation(ctx context.Context, actorID string, loc models.Coord) error {
	if err := ValidateCoord(loc); err != nil {
		return err
	}
	if err := c.Locations.UpdateLocation(ctx, actorID, loc); err != nil {
		return fmt.Errorf("update location of %s: %w", actorID, err)
	}
	return nil
}

func (c *Coordinator) SetBaseLocation(ctx context.Context, actorID string, loc models.Coord) error {
	if err := ValidateCoord(loc); err != nil {
		return err
	}
	u, err := c.user(ctx, actorID)
	if err != nil {
		return err
	}
	if u.Role != models.RoleWorker {
		return errs.Forbidden("only workers have a base location")
	}
	if err := c.Users.SetBaseLocation(ctx, actorID, loc); err != nil {
		return fmt.Errorf("set base location of %s: %w", actorID, err)
	}
	return nil
}

func (c *Coordinator) SetPayoutDestination(ctx context.Context, actorID, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return errs.Validation("payout destination is required")
	}
	if _, err := c.user(ctx, actorID); err != nil {
		return err
	}
	if err := c.Users.SetPayoutDestination(ctx, actorID, destination); err != nil {
		return fmt.Errorf("set payout destination of %s: %w", actorID, err)
	}
	return nil
}

// SendMessage appends to the request's chat and pushes it to the counterpart.
func (c *Coordinator) SendMessage(ctx context.Context, actorID, requestID string, in MessageInput) (*models.ChatMessage, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	r, err := c.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !r.IsParty(actorID) {
		return nil, errs.Forbidden("you are not a party to this service request")
	}
	if r.MechanicID == "" {
		return nil, errs.InvalidState("chat opens once a mechanic accepts the request")
	}
	m := &models.ChatMessage{RequestID: requestID, SenderID: actorID, Body: in.Body, CreatedAt: c.now()}
	if err := c.Chat.Append(ctx, m); err != nil {
		return nil, fmt.Errorf("append chat message to %s: %w", requestID, err)
	}
	// Seq stays zero: chat is not request state and must never be dropped as stale.
	c.Notifier.SendToUser(ctx, r.Counterpart(actorID), dispatch.Event{
		Type: dispatch.EventNewChatMessage, RequestID: requestID, At: m.CreatedAt, Data: m,
	})
	return m, nil
}

func (c *Coordinator) Messages(ctx context.Context, actorID, requestID string) ([]*models.ChatMessage, error) {
	r, err := c.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !r.IsParty(actorID) {
		u, err := c.user(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if u.Role != models.RoleAdmin {
			return nil, errs.Forbidden("you are not a party to this service request")
		}
	}
	out, err := c.Chat.List(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list chat of %s: %w", requestID, err)
	}
	return out, nil
}
