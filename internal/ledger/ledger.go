// Package ledger keeps the append-only transaction log and derives balances
// from it. No balance is ever stored.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/roadside-dispatch/internal/errs"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/storage"
)

// Payouts is the part of the payment gateway the ledger calls.
type Payouts interface {
	InitiatePayout(ctx context.Context, amount decimal.Decimal, destination string) (payments.PayoutReceipt, error)
}

type Ledger struct {
	Txs     storage.TransactionStore
	Users   storage.UserStore
	Payouts Payouts
	Logger  *slog.Logger
	Now     func() time.Time
	// GatewayTimeout bounds InitiatePayout; zero means no extra deadline.
	GatewayTimeout time.Duration
}

func New(txs storage.TransactionStore, users storage.UserStore, payouts Payouts, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{Txs: txs, Users: users, Payouts: payouts, Logger: logger.With("component", "ledger"), Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// Entry describes one ledger write.
type Entry struct {
	UserID      string
	Type        models.TransactionType
	Amount      decimal.Decimal
	Description string
	RequestID   string
	AvailableAt *time.Time
	Destination string
	// Immediate records a withdrawal as already completed.
	Immediate bool
}

// Record appends a transaction. Earnings, fees and refunds are completed on
// write; withdrawals start pending unless Immediate is set.
func (l *Ledger) Record(ctx context.Context, e Entry) (*models.Transaction, error) {
	tx := l.build(e)
	if err := l.Txs.Append(ctx, tx); err != nil {
		return nil, fmt.Errorf("record %s for %s: %w", e.Type, e.UserID, err)
	}
	l.Logger.Info("transaction recorded", "tx_id", tx.ID, "user_id", tx.UserID, "type", tx.Type,
		"amount", tx.Amount.StringFixed(2), "status", tx.Status, "request_id", tx.RequestID)
	return tx, nil
}

func (l *Ledger) build(e Entry) *models.Transaction {
	now := l.now()
	status := models.TxCompleted
	if e.Type == models.TxWithdrawal && !e.Immediate {
		status = models.TxPending
	}
	tx := &models.Transaction{
		UserID:      e.UserID,
		RequestID:   e.RequestID,
		Type:        e.Type,
		Amount:      e.Amount.Round(2),
		Status:      status,
		Description: e.Description,
		AvailableAt: e.AvailableAt,
		Destination: e.Destination,
		CreatedAt:   now,
	}
	if status == models.TxCompleted {
		tx.CompletedAt = &now
	}
	return tx
}

// Balance is the projection of a user's transactions at one instant.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Withdrawn decimal.Decimal `json:"withdrawn"`
}

// Balances folds txs into a Balance at now.
//
//	available = completed earnings/refunds unlocked by now - withdrawals (pending or completed)
//	pending   = completed earnings/refunds still locked
//
// Platform fees and cancelled entries do not count.
func Balances(txs []models.Transaction, now time.Time) Balance {
	b := Balance{Available: decimal.Zero, Pending: decimal.Zero, Withdrawn: decimal.Zero}
	for _, tx := range txs {
		switch tx.Type {
		case models.TxWorkerEarnings, models.TxRefund:
			if tx.Status != models.TxCompleted {
				continue
			}
			if tx.AvailableAt != nil && tx.AvailableAt.After(now) {
				b.Pending = b.Pending.Add(tx.Amount)
			} else {
				b.Available = b.Available.Add(tx.Amount)
			}
		case models.TxWithdrawal:
			if tx.Status == models.TxPending || tx.Status == models.TxCompleted {
				b.Available = b.Available.Sub(tx.Amount.Abs())
				if tx.Status == models.TxCompleted {
					b.Withdrawn = b.Withdrawn.Add(tx.Amount.Abs())
				}
			}
		}
	}
	b.Available = b.Available.Round(2)
	b.Pending = b.Pending.Round(2)
	b.Withdrawn = b.Withdrawn.Round(2)
	return b
}

func (l *Ledger) Balance(ctx context.Context, userID string) (Balance, error) {
	txs, err := l.Txs.ListForUser(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("list transactions for %s: %w", userID, err)
	}
	return Balances(txs, l.now()), nil
}

func (l *Ledger) AvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	b, err := l.Balance(ctx, userID)
	return b.Available, err
}

func (l *Ledger) PendingBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	b, err := l.Balance(ctx, userID)
	return b.Pending, err
}

// Summary is what a user sees on the wallet screen.
type Summary struct {
	Balance
	Transactions []models.Transaction `json:"transactions"`
}

func (l *Ledger) Summary(ctx context.Context, userID string) (Summary, error) {
	txs, err := l.Txs.ListForUser(ctx, userID)
	if err != nil {
		return Summary{}, fmt.Errorf("list transactions for %s: %w", userID, err)
	}
	return Summary{Balance: Balances(txs, l.now()), Transactions: txs}, nil
}

// RequestWithdrawal records a pending withdrawal against the available
// balance and asks the gateway to pay it out. The balance check and the insert
// are atomic per user. If the payout call fails the withdrawal is cancelled,
// which returns the amount to the available balance.
func (l *Ledger) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal) (*models.Transaction, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		observability.WithdrawalsTotal.WithLabelValues("invalid").Inc()
		return nil, errs.Validation("withdrawal amount must be positive")
	}
	user, err := l.Users.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.NotFound("user %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	// Clients are made whole by gateway refunds; their ledger rows are a record, not a payable balance.
	if user.Role != models.RoleWorker {
		observability.WithdrawalsTotal.WithLabelValues("forbidden").Inc()
		return nil, errs.Forbidden("only workers can withdraw earnings")
	}
	if user.PayoutDestination == "" {
		observability.WithdrawalsTotal.WithLabelValues("missing_destination").Inc()
		return nil, errs.New(errs.KindMissingPayoutDestination,
			"configure a payout destination before requesting a withdrawal")
	}

	tx := l.build(Entry{
		UserID:      userID,
		Type:        models.TxWithdrawal,
		Amount:      amount.Neg(),
		Description: "Withdrawal to " + user.PayoutDestination,
		Destination: user.PayoutDestination,
	})
	err = l.Txs.AppendGuarded(ctx, tx, func(existing []models.Transaction) error {
		available := Balances(existing, l.now()).Available
		if amount.GreaterThan(available) {
			return errs.New(errs.KindInsufficientFunds,
				"requested %s exceeds available balance %s", amount.StringFixed(2), available.StringFixed(2))
		}
		return nil
	})
	if err != nil {
		if errs.KindOf(err) == errs.KindInsufficientFunds {
			observability.WithdrawalsTotal.WithLabelValues("insufficient_funds").Inc()
			return nil, err
		}
		return nil, fmt.Errorf("record withdrawal for %s: %w", userID, err)
	}

	pctx, cancel := l.gatewayContext(ctx)
	receipt, perr := l.Payouts.InitiatePayout(pctx, amount, user.PayoutDestination)
	cancel()
	if perr != nil {
		l.Logger.Error("payout initiation failed", "tx_id", tx.ID, "user_id", userID, "error", perr)
		if _, cerr := l.Txs.Transition(ctx, tx.ID, models.TxPending, models.TxCancelled, storage.TransactionPatch{}); cerr != nil {
			l.Logger.Error("cancel failed withdrawal", "tx_id", tx.ID, "error", cerr)
		}
		observability.WithdrawalsTotal.WithLabelValues("upstream_failure").Inc()
		return nil, errs.Wrap(errs.KindUpstreamPayment, perr, "payout could not be initiated, try again later")
	}

	ref := receipt.PayoutID
	updated, err := l.Txs.Transition(ctx, tx.ID, models.TxPending, models.TxPending, storage.TransactionPatch{PayoutRef: &ref})
	if err != nil {
		return nil, fmt.Errorf("store payout reference for %s: %w", tx.ID, err)
	}
	observability.WithdrawalsTotal.WithLabelValues("requested").Inc()
	l.Logger.Info("withdrawal requested", "tx_id", tx.ID, "user_id", userID, "amount", amount.StringFixed(2), "payout_ref", ref)
	return updated, nil
}

func (l *Ledger) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.GatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.GatewayTimeout)
}

// CompleteWithdrawal is the administrative attestation that an off-system
// transfer happened.
func (l *Ledger) CompleteWithdrawal(ctx context.Context, txID string) (*models.Transaction, error) {
	tx, err := l.Txs.Get(ctx, txID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.NotFound("transaction %s not found", txID)
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", txID, err)
	}
	if tx.Type != models.TxWithdrawal {
		return nil, errs.New(errs.KindWrongType, "transaction %s is a %s, not a withdrawal", txID, tx.Type)
	}
	if tx.Status != models.TxPending {
		return nil, errs.New(errs.KindAlreadyProcessed, "withdrawal %s is already %s", txID, tx.Status)
	}
	now := l.now()
	done, err := l.Txs.Transition(ctx, txID, models.TxPending, models.TxCompleted, storage.TransactionPatch{CompletedAt: &now})
	if errors.Is(err, storage.ErrConflict) {
		return nil, errs.New(errs.KindAlreadyProcessed, "withdrawal %s was processed concurrently", txID)
	}
	if err != nil {
		return nil, fmt.Errorf("complete withdrawal %s: %w", txID, err)
	}
	observability.WithdrawalsTotal.WithLabelValues("completed").Inc()
	l.Logger.Info("withdrawal completed", "tx_id", txID, "user_id", done.UserID)
	return done, nil
}

// PendingWithdrawal pairs a withdrawal with its owner for the admin screen.
type PendingWithdrawal struct {
	Transaction models.Transaction `json:"transaction"`
	User        *models.User       `json:"user,omitempty"`
}

func (l *Ledger) PendingWithdrawals(ctx context.Context) ([]PendingWithdrawal, error) {
	txs, err := l.Txs.ListByTypeStatus(ctx, models.TxWithdrawal, models.TxPending)
	if err != nil {
		return nil, fmt.Errorf("list pending withdrawals: %w", err)
	}
	out := make([]PendingWithdrawal, 0, len(txs))
	for _, tx := range txs {
		u, err := l.Users.Get(ctx, tx.UserID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load owner of %s: %w", tx.ID, err)
		}
		out = append(out, PendingWithdrawal{Transaction: tx, User: u})
	}
	return out, nil
}
