package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleWorker, RoleAdmin:
		return true
	}
	return false
}

// DefaultRating is the running average a new user starts with.
const DefaultRating = 5.0

// User is a client, a worker (mechanic) or an administrator. Online state and
// current location live in the presence directory, not here.
type User struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Phone             string    `json:"phone,omitempty"`
	Role              Role      `json:"role"`
	BaseLocation      *Coord    `json:"base_location,omitempty"`
	Rating            float64   `json:"rating"`
	RatingCount       int       `json:"rating_count"`
	PayoutDestination string    `json:"payout_destination,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusArrived   RequestStatus = "arrived"
	StatusCompleted RequestStatus = "completed"
	StatusCancelled RequestStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentApproved     PaymentStatus = "approved"
	PaymentRefunded     PaymentStatus = "refunded"
	PaymentRefundFailed PaymentStatus = "refund_failed"
)

// Pricing is frozen on the request at creation time.
type Pricing struct {
	BaseFee        decimal.Decimal `json:"base_fee"`
	DistanceFee    decimal.Decimal `json:"distance_fee"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	WorkerEarnings decimal.Decimal `json:"worker_earnings"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	AfterHours     bool            `json:"is_after_hours"`
}

type ServiceRequest struct {
	ID          string        `json:"id"`
	ClientID    string        `json:"client_id"`
	MechanicID  string        `json:"mechanic_id,omitempty"`
	ServiceType string        `json:"service_type"`
	Pickup      Coord         `json:"pickup"`
	Address     string        `json:"address"`
	Description string        `json:"description"`
	Vehicle     string        `json:"vehicle,omitempty"`
	DistanceKm  *float64      `json:"distance_km,omitempty"`
	Pricing     Pricing       `json:"pricing"`
	Status      RequestStatus `json:"status"`

	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentRef    string        `json:"payment_ref"`

	ClientConfirmed   bool   `json:"client_confirmed"`
	MechanicConfirmed bool   `json:"mechanic_confirmed"`
	ClientRating      *int   `json:"client_rating,omitempty"`
	ClientComment     string `json:"client_comment,omitempty"`
	MechanicRating    *int   `json:"mechanic_rating,omitempty"`
	MechanicComment   string `json:"mechanic_comment,omitempty"`
	CancelReason      string `json:"cancel_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	Version     int64      `json:"version"`
}

// IsParty reports whether userID is the client or the assigned mechanic.
func (r *ServiceRequest) IsParty(userID string) bool {
	return userID != "" && (r.ClientID == userID || r.MechanicID == userID)
}

// Counterpart returns the other party of the request, or "" if there is none.
func (r *ServiceRequest) Counterpart(userID string) string {
	switch userID {
	case r.ClientID:
		return r.MechanicID
	case r.MechanicID:
		return r.ClientID
	}
	return ""
}

func (r *ServiceRequest) BothConfirmed() bool { return r.ClientConfirmed && r.MechanicConfirmed }

func (r *ServiceRequest) BothRated() bool { return r.ClientRating != nil && r.MechanicRating != nil }

type ChatMessage struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type TransactionType string

const (
	TxWorkerEarnings TransactionType = "worker_earnings"
	TxPlatformFee    TransactionType = "platform_fee"
	TxRefund         TransactionType = "refund"
	TxWithdrawal     TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxCancelled TransactionStatus = "cancelled"
)

// Transaction is one append-only ledger entry. Amount is signed.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	RequestID   string            `json:"request_id,omitempty"`
	Type        TransactionType   `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description"`
	AvailableAt *time.Time        `json:"available_at,omitempty"`
	Destination string            `json:"destination,omitempty"`
	PayoutRef   string            `json:"payout_ref,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}
