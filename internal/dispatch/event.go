package dispatch

import "time"

// Event types delivered to clients and workers.
const (
	EventRequestCreated       = "service_request_created"
	EventRequestAccepted      = "service_request_accepted"
	EventRequestAcceptConfirm = "service_request_accept_confirmed"
	EventRequestTaken         = "service_request_taken"
	EventMechanicArrived      = "mechanic_arrived"
	EventRequestCompleted     = "service_request_completed"
	EventRequestConfirmed     = "service_request_confirmed"
	EventRequestRated         = "service_request_rated"
	EventPaymentReleased      = "payment_released"
	EventRequestCancelled     = "service_request_cancelled"
	EventNewChatMessage       = "new_chat_message"
	EventConnected            = "connected"
)

// Event is the tagged payload written to a user's channel. Seq is the request
// version the event was produced from; a session never delivers an event for
// a request older than one it already delivered.
type Event struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}
