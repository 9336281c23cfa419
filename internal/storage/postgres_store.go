package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB  { return p.db }
func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Requests() RequestStore         { return pgRequests{p.db} }
func (p *PostgresStore) Users() UserStore               { return pgUsers{p.db} }
func (p *PostgresStore) Chat() ChatStore                { return pgChat{p.db} }
func (p *PostgresStore) Transactions() TransactionStore { return pgTxs{p.db} }

const requestColumns = `id, client_id, mechanic_id, service_type, pickup_lat, pickup_lng, address, description, vehicle,
	distance_km, base_fee, distance_fee, platform_fee, worker_earnings, total_price, is_after_hours, status,
	payment_status, payment_ref, client_confirmed, mechanic_confirmed, client_rating, client_comment,
	mechanic_rating, mechanic_comment, cancel_reason, created_at, accepted_at, arrived_at, completed_at,
	cancelled_at, settled_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(s rowScanner) (*models.ServiceRequest, error) {
	var (
		r                                    models.ServiceRequest
		mechanicID                           sql.NullString
		distance                             sql.NullFloat64
		clientRating, mechanicRating         sql.NullInt64
		accepted, arrived, completed, cancel sql.NullTime
		settled                              sql.NullTime
	)
	err := s.Scan(&r.ID, &r.ClientID, &mechanicID, &r.ServiceType, &r.Pickup.Lat, &r.Pickup.Lon, &r.Address,
		&r.Description, &r.Vehicle, &distance, &r.Pricing.BaseFee, &r.Pricing.DistanceFee, &r.Pricing.PlatformFee,
		&r.Pricing.WorkerEarnings, &r.Pricing.TotalPrice, &r.Pricing.AfterHours, &r.Status, &r.PaymentStatus,
		&r.PaymentRef, &r.ClientConfirmed, &r.MechanicConfirmed, &clientRating, &r.ClientComment,
		&mechanicRating, &r.MechanicComment, &r.CancelReason, &r.CreatedAt, &accepted, &arrived, &completed,
		&cancel, &settled, &r.Version)
	if err != nil {
		return nil, err
	}
	r.MechanicID = mechanicID.String
	if distance.Valid {
		d := distance.Float64
		r.DistanceKm = &d
	}
	r.ClientRating = nullInt(clientRating)
	r.MechanicRating = nullInt(mechanicRating)
	r.AcceptedAt = nullTime(accepted)
	r.ArrivedAt = nullTime(arrived)
	r.CompletedAt = nullTime(completed)
	r.CancelledAt = nullTime(cancel)
	r.SettledAt = nullTime(settled)
	return &r, nil
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type pgRequests struct{ db *sql.DB }

func (s pgRequests) Create(ctx context.Context, r *models.ServiceRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = models.StatusPending
	r.MechanicID = ""
	r.Version = 1
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO service_requests(id, client_id, service_type, pickup_lat, pickup_lng,
		address, description, vehicle, base_fee, distance_fee, platform_fee, worker_earnings, total_price,
		is_after_hours, status, payment_status, payment_ref, created_at, version)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, r.ClientID, r.ServiceType, r.Pickup.Lat, r.Pickup.Lon, r.Address, r.Description, r.Vehicle,
		r.Pricing.BaseFee, r.Pricing.DistanceFee, r.Pricing.PlatformFee, r.Pricing.WorkerEarnings,
		r.Pricing.TotalPrice, r.Pricing.AfterHours, r.Status, r.PaymentStatus, r.PaymentRef, r.CreatedAt, r.Version)
	return err
}

func (s pgRequests) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s pgRequests) query(ctx context.Context, where string, args ...any) ([]*models.ServiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE `+where+
		` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.ServiceRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s pgRequests) ListForUser(ctx context.Context, userID string) ([]*models.ServiceRequest, error) {
	return s.query(ctx, `client_id = $1 OR mechanic_id = $1`, userID)
}

func (s pgRequests) ListPendingNear(ctx context.Context, lat, lng, radiusKm float64) ([]*models.ServiceRequest, error) {
	pending, err := s.query(ctx, `status = $1`, models.StatusPending)
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, r := range pending {
		if geo.DistanceKm(lat, lng, r.Pickup.Lat, r.Pickup.Lon) <= radiusKm {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s pgRequests) ActiveForUser(ctx context.Context, userID string) (*models.ServiceRequest, error) {
	out, err := s.query(ctx, `(client_id = $1 OR mechanic_id = $1) AND status = ANY($2)`, userID,
		pq.Array([]string{string(models.StatusAccepted), string(models.StatusArrived)}))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

// Update is a single conditional UPDATE, so two racing accepts cannot both
// match version/status.
func (s pgRequests) Update(ctx context.Context, id string, cond Condition, patch RequestPatch) (*models.ServiceRequest, error) {
	sets, args := patchAssignments(patch)
	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if cond.Version != 0 {
		args = append(args, cond.Version)
		where += fmt.Sprintf(" AND version = $%d", len(args))
	}
	if len(cond.Status) > 0 {
		statuses := make([]string, len(cond.Status))
		for i, st := range cond.Status {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	sets = append(sets, "version = version + 1")
	q := `UPDATE service_requests SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + requestColumns
	r, err := scanRequest(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM service_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	return r, err
}

func patchAssignments(p RequestPatch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.MechanicID != nil {
		add("mechanic_id", nullString(*p.MechanicID))
	}
	if p.DistanceKm != nil {
		add("distance_km", *p.DistanceKm)
	}
	if p.PaymentStatus != nil {
		add("payment_status", string(*p.PaymentStatus))
	}
	if p.ClientConfirmed != nil {
		add("client_confirmed", *p.ClientConfirmed)
	}
	if p.MechanicConfirmed != nil {
		add("mechanic_confirmed", *p.MechanicConfirmed)
	}
	if p.ClientRating != nil {
		add("client_rating", *p.ClientRating)
	}
	if p.ClientComment != nil {
		add("client_comment", *p.ClientComment)
	}
	if p.MechanicRating != nil {
		add("mechanic_rating", *p.MechanicRating)
	}
	if p.MechanicComment != nil {
		add("mechanic_comment", *p.MechanicComment)
	}
	if p.CancelReason != nil {
		add("cancel_reason", *p.CancelReason)
	}
	if p.AcceptedAt != nil {
		add("accepted_at", *p.AcceptedAt)
	}
	if p.ArrivedAt != nil {
		add("arrived_at", *p.ArrivedAt)
	}
	if p.CompletedAt != nil {
		add("completed_at", *p.CompletedAt)
	}
	if p.CancelledAt != nil {
		add("cancelled_at", *p.CancelledAt)
	}
	if p.SettledAt != nil {
		add("settled_at", *p.SettledAt)
	}
	if p.ClearCancelledAt {
		sets = append(sets, "cancelled_at = NULL")
	}
	return sets, args
}

type pgUsers struct{ db *sql.DB }

const userColumns = `id, name, phone, role, base_lat, base_lng, rating, rating_count, payout_destination, created_at`

func scanUser(s rowScanner) (*models.User, error) {
	var (
		u          models.User
		lat, lng   sql.NullFloat64
		payoutDest sql.NullString
	)
	if err := s.Scan(&u.ID, &u.Name, &u.Phone, &u.Role, &lat, &lng, &u.Rating, &u.RatingCount, &payoutDest, &u.CreatedAt); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		u.BaseLocation = &models.Coord{Lat: lat.Float64, Lon: lng.Float64}
	}
	u.PayoutDestination = payoutDest.String
	return &u, nil
}

func (s pgUsers) Create(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	if u.RatingCount == 0 && u.Rating == 0 {
		u.Rating = models.DefaultRating
	}
	var lat, lng sql.NullFloat64
	if u.BaseLocation != nil {
		lat = sql.NullFloat64{Float64: u.BaseLocation.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: u.BaseLocation.Lon, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.ID, u.Name, u.Phone, u.Role, lat, lng, u.Rating, u.RatingCount, nullString(u.PayoutDestination), u.CreatedAt)
	return err
}

func (s pgUsers) Get(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (s pgUsers) exec(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s pgUsers) SetBaseLocation(ctx context.Context, id string, loc models.Coord) error {
	return s.exec(ctx, `UPDATE users SET base_lat = $1, base_lng = $2 WHERE id = $3`, loc.Lat, loc.Lon, id)
}

func (s pgUsers) SetPayoutDestination(ctx context.Context, id, destination string) error {
	return s.exec(ctx, `UPDATE users SET payout_destination = $1 WHERE id = $2`, nullString(destination), id)
}

func (s pgUsers) ApplyRating(ctx context.Context, id string, rating int) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `UPDATE users
		SET rating = (rating * rating_count + $1) / (rating_count + 1), rating_count = rating_count + 1
		WHERE id = $2 RETURNING `+userColumns, rating, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

type pgChat struct{ db *sql.DB }

func (s pgChat) Append(ctx context.Context, m *models.ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO chat_messages(id, request_id, sender_id, body, created_at) VALUES($1,$2,$3,$4,$5)`,
		m.ID, m.RequestID, m.SenderID, m.Body, m.CreatedAt)
	return err
}

func (s pgChat) List(ctx context.Context, requestID string) ([]*models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, request_id, sender_id, body, created_at FROM chat_messages
		WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.RequestID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

type pgTxs struct{ db *sql.DB }

const txColumns = `id, user_id, request_id, type, amount, status, description, available_at, destination, payout_ref, created_at, completed_at`

func scanTx(s rowScanner) (models.Transaction, error) {
	var (
		tx                         models.Transaction
		requestID, dest, payoutRef sql.NullString
		availableAt, completedAt   sql.NullTime
	)
	err := s.Scan(&tx.ID, &tx.UserID, &requestID, &tx.Type, &tx.Amount, &tx.Status, &tx.Description,
		&availableAt, &dest, &payoutRef, &tx.CreatedAt, &completedAt)
	if err != nil {
		return tx, err
	}
	tx.RequestID = requestID.String
	tx.Destination = dest.String
	tx.PayoutRef = payoutRef.String
	tx.AvailableAt = nullTime(availableAt)
	tx.CompletedAt = nullTime(completedAt)
	return tx, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTx(ctx context.Context, db execer, tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	var availableAt, completedAt sql.NullTime
	if tx.AvailableAt != nil {
		availableAt = sql.NullTime{Time: *tx.AvailableAt, Valid: true}
	}
	if tx.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *tx.CompletedAt, Valid: true}
	}
	_, err := db.ExecContext(ctx, `INSERT INTO transactions(`+txColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		tx.ID, tx.UserID, nullString(tx.RequestID), tx.Type, tx.Amount, tx.Status, tx.Description, availableAt,
		nullString(tx.Destination), nullString(tx.PayoutRef), tx.CreatedAt, completedAt)
	return err
}

func (s pgTxs) Append(ctx context.Context, tx *models.Transaction) error {
	return insertTx(ctx, s.db, tx)
}

// AppendGuarded serialises writers per owner with a transaction-scoped
// advisory lock.
func (s pgTxs) AppendGuarded(ctx context.Context, tx *models.Transaction, guard func([]models.Transaction) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()
	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tx.UserID); err != nil {
		return err
	}
	rows, err := sqlTx.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at, id`, tx.UserID)
	if err != nil {
		return err
	}
	existing, err := collectTxs(rows)
	if err != nil {
		return err
	}
	if err := guard(existing); err != nil {
		return err
	}
	if err := insertTx(ctx, sqlTx, tx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func collectTxs(rows *sql.Rows) ([]models.Transaction, error) {
	defer rows.Close()
	out := make([]models.Transaction, 0)
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s pgTxs) Get(ctx context.Context, id string) (*models.Transaction, error) {
	tx, err := scanTx(s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s pgTxs) ListForUser(ctx context.Context, userID string) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	return collectTxs(rows)
}

func (s pgTxs) ListByTypeStatus(ctx context.Context, typ models.TransactionType, status models.TransactionStatus) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE type = $1 AND status = $2 ORDER BY created_at, id`, typ, status)
	if err != nil {
		return nil, err
	}
	return collectTxs(rows)
}

func (s pgTxs) CountForRequest(ctx context.Context, requestID string, typ models.TransactionType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM transactions WHERE request_id = $1 AND type = $2`, requestID, typ).Scan(&n)
	return n, err
}

func (s pgTxs) Transition(ctx context.Context, id string, from, to models.TransactionStatus, patch TransactionPatch) (*models.Transaction, error) {
	args := []any{to, id, from}
	sets := []string{"status = $1"}
	if patch.PayoutRef != nil {
		args = append(args, *patch.PayoutRef)
		sets = append(sets, fmt.Sprintf("payout_ref = $%d", len(args)))
	}
	if patch.CompletedAt != nil {
		args = append(args, *patch.CompletedAt)
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
	}
	tx, err := scanTx(s.db.QueryRowContext(ctx, `UPDATE transactions SET `+strings.Join(sets, ", ")+
		` WHERE id = $2 AND status = $3 RETURNING `+txColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
