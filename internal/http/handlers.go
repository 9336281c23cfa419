package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/example/roadside-dispatch/internal/coordinator"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/errs"
	"github.com/example/roadside-dispatch/internal/ledger"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/presence"
)

// Server is the HTTP and websocket surface in front of the coordinator and
// the ledger.
type Server struct {
	coord    *coordinator.Coordinator
	ledger   *ledger.Ledger
	sessions presence.SessionStore
	wsreg    *dispatch.WSRegistry
	logger   *slog.Logger
	// ready reports whether backing services answer; nil means always ready.
	ready func(context.Context) error
	mux   *mux.Router
}

type Options struct {
	Coordinator *coordinator.Coordinator
	Ledger      *ledger.Ledger
	Sessions    presence.SessionStore
	WSRegistry  *dispatch.WSRegistry
	Logger      *slog.Logger
	Ready       func(context.Context) error
}

func NewServer(opts Options) *Server {
	s := &Server{
		coord:    opts.Coordinator,
		ledger:   opts.Ledger,
		sessions: opts.Sessions,
		wsreg:    opts.WSRegistry,
		logger:   logging.Component(opts.Logger, "http"),
		ready:    opts.Ready,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/users", s.handleRegister).Methods("POST")

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/users/me", s.handleMe).Methods("GET")
	authed.HandleFunc("/sessions/current", s.handleLogout).Methods("DELETE")
	authed.HandleFunc("/users/me/location", s.handleLocation).Methods("POST")
	authed.HandleFunc("/users/me/base-location", s.handleBaseLocation).Methods("PUT")
	authed.HandleFunc("/users/me/payout-destination", s.handlePayoutDestination).Methods("PUT")
	authed.HandleFunc("/users/me/availability", s.handleAvailability).Methods("POST")

	authed.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	authed.HandleFunc("/requests", s.handleListRequests).Methods("GET")
	authed.HandleFunc("/requests/pending", s.handlePendingRequests).Methods("GET")
	authed.HandleFunc("/requests/active", s.handleActiveRequest).Methods("GET")
	authed.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	authed.HandleFunc("/requests/{id}/accept", s.simpleTransition(s.coord.Accept)).Methods("POST")
	authed.HandleFunc("/requests/{id}/arrive", s.simpleTransition(s.coord.Arrive)).Methods("POST")
	authed.HandleFunc("/requests/{id}/complete", s.simpleTransition(s.coord.Complete)).Methods("POST")
	authed.HandleFunc("/requests/{id}/confirm", s.simpleTransition(s.coord.Confirm)).Methods("POST")
	authed.HandleFunc("/requests/{id}/rate", s.handleRate).Methods("POST")
	authed.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods("POST")
	authed.HandleFunc("/requests/{id}/messages", s.handleListMessages).Methods("GET")
	authed.HandleFunc("/requests/{id}/messages", s.handleSendMessage).Methods("POST")

	authed.HandleFunc("/wallet", s.handleWallet).Methods("GET")
	authed.HandleFunc("/wallet/withdrawals", s.handleWithdraw).Methods("POST")
	authed.HandleFunc("/admin/withdrawals", s.handlePendingWithdrawals).Methods("GET")
	authed.HandleFunc("/admin/withdrawals/{id}/complete", s.handleCompleteWithdrawal).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type registerResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in coordinator.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.coord.Register(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := s.sessions.Issue(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{User: u, Token: tok})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := s.coord.Profile(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Revoke(r.Context(), bearerToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if err := decodeJSON(w, r, &loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coord.UpdateLocation(r.Context(), userIDFromContext(r.Context()), loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBaseLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if err := decodeJSON(w, r, &loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coord.SetBaseLocation(r.Context(), userIDFromContext(r.Context()), loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePayoutDestination(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Destination string `json:"destination"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coord.SetPayoutDestination(r.Context(), userIDFromContext(r.Context()), body.Destination); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coord.SetAvailability(r.Context(), userIDFromContext(r.Context()), body.Online); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": body.Online})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in coordinator.CreateRequestInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.coord.Create(r.Context(), userIDFromContext(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	out, err := s.coord.ListForUser(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	var radius float64
	if v := r.URL.Query().Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			s.writeError(w, r, errs.Validation("radius_km must be a positive number"))
			return
		}
		radius = f
	}
	out, err := s.coord.ListPendingNear(r.Context(), userIDFromContext(r.Context()), radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActiveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.coord.ActiveForUser(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.coord.Get(r.Context(), userIDFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type transitionFunc func(ctx context.Context, actorID, id string) (*models.ServiceRequest, error)

// simpleTransition serves the transitions that take no body.
func (s *Server) simpleTransition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := fn(r.Context(), userIDFromContext(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var in coordinator.RateInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.coord.Rate(r.Context(), userIDFromContext(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var in coordinator.CancelInput
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	req, err := s.coord.Cancel(r.Context(), userIDFromContext(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	out, err := s.coord.Messages(r.Context(), userIDFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var in coordinator.MessageInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.coord.SendMessage(r.Context(), userIDFromContext(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	sum, err := s.ledger.Summary(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.ledger.RequestWithdrawal(r.Context(), userIDFromContext(r.Context()), body.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (s *Server) handlePendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.RequireRole(r.Context(), userIDFromContext(r.Context()), models.RoleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.ledger.PendingWithdrawals(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.RequireRole(r.Context(), userIDFromContext(r.Context()), models.RoleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.ledger.CompleteWithdrawal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

const wsReadLimit = 4096

// handleWS authenticates with ?token= (browsers cannot set headers on the
// upgrade), registers the connection and then only reads, so the client's
// close tears the session down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthenticated", "missing session token"))
		return
	}
	uid, err := s.sessions.Resolve(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthenticated", "unknown or expired session"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", uid, "error", err)
		return
	}
	sess := s.wsreg.Add(uid, conn)
	_ = s.wsreg.Send(uid, dispatch.Event{Type: dispatch.EventConnected, At: time.Now(), Data: map[string]string{"user_id": uid}})
	s.logger.Info("websocket connected", "user_id", uid)

	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	sess.Close()
	s.logger.Info("websocket disconnected", "user_id", uid)
}
