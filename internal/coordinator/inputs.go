package coordinator

import (
	"strings"

	"github.com/example/roadside-dispatch/internal/errs"
	"github.com/example/roadside-dispatch/internal/models"
)

const (
	maxTextLen    = 2000
	maxCommentLen = 1000
)

// CreateRequestInput is what a client submits after paying upstream.
type CreateRequestInput struct {
	ServiceType string       `json:"service_type"`
	Pickup      models.Coord `json:"pickup"`
	Address     string       `json:"address"`
	Description string       `json:"description"`
	Vehicle     string       `json:"vehicle,omitempty"`
	PaymentRef  string       `json:"payment_ref"`
}

func (in *CreateRequestInput) Validate() error {
	in.ServiceType = strings.TrimSpace(in.ServiceType)
	in.Address = strings.TrimSpace(in.Address)
	in.Description = strings.TrimSpace(in.Description)
	in.Vehicle = strings.TrimSpace(in.Vehicle)
	in.PaymentRef = strings.TrimSpace(in.PaymentRef)
	switch {
	case in.ServiceType == "":
		return errs.Validation("service_type is required")
	case in.PaymentRef == "":
		return errs.Validation("payment_ref is required")
	case len(in.Description) > maxTextLen:
		return errs.Validation("description is longer than %d characters", maxTextLen)
	}
	return ValidateCoord(in.Pickup)
}

type RateInput struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

func (in *RateInput) Validate() error {
	in.Comment = strings.TrimSpace(in.Comment)
	if in.Rating < 1 || in.Rating > 5 {
		return errs.Validation("rating must be an integer between 1 and 5")
	}
	if len(in.Comment) > maxCommentLen {
		return errs.Validation("comment is longer than %d characters", maxCommentLen)
	}
	return nil
}

type CancelInput struct {
	Reason string `json:"reason,omitempty"`
}

func (in *CancelInput) Validate() error {
	in.Reason = strings.TrimSpace(in.Reason)
	if len(in.Reason) > maxCommentLen {
		return errs.Validation("reason is longer than %d characters", maxCommentLen)
	}
	return nil
}

type MessageInput struct {
	Body string `json:"body"`
}

func (in *MessageInput) Validate() error {
	in.Body = strings.TrimSpace(in.Body)
	if in.Body == "" {
		return errs.Validation("message body is required")
	}
	if len(in.Body) > maxTextLen {
		return errs.Validation("message is longer than %d characters", maxTextLen)
	}
	return nil
}

func ValidateCoord(c models.Coord) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return errs.Validation("coordinates out of range: %.6f,%.6f", c.Lat, c.Lon)
	}
	if c.Lat == 0 && c.Lon == 0 {
		return errs.Validation("coordinates are required")
	}
	return nil
}
