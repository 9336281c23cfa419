package coordinator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/errs"
	"github.com/example/roadside-dispatch/internal/ledger"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/presence"
	"github.com/example/roadside-dispatch/internal/pricing"
	"github.com/example/roadside-dispatch/internal/storage"
)

type sent struct {
	to    string
	event dispatch.Event
}

type recordingNotifier struct {
	mu         sync.Mutex
	direct     []sent
	broadcasts []dispatch.Event
}

func (n *recordingNotifier) SendToUser(_ context.Context, userID string, ev dispatch.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.direct = append(n.direct, sent{to: userID, event: ev})
}

func (n *recordingNotifier) BroadcastToOnlineWorkers(_ context.Context, ev dispatch.Event, _ ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, ev)
}

func (n *recordingNotifier) received(userID, typ string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, s := range n.direct {
		if s.to == userID && s.event.Type == typ {
			count++
		}
	}
	return count
}

type fakeGateway struct {
	mu        sync.Mutex
	status    payments.CaptureStatus
	refundErr error
	refunds   []decimal.Decimal
}

func (g *fakeGateway) CaptureStatus(context.Context, string) (payments.CaptureStatus, error) {
	return g.status, nil
}

func (g *fakeGateway) Refund(_ context.Context, _ string, amount decimal.Decimal) (payments.RefundReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return payments.RefundReceipt{}, g.refundErr
	}
	g.refunds = append(g.refunds, amount)
	return payments.RefundReceipt{RefundID: "re_test", Status: "succeeded", Amount: amount}, nil
}

func (g *fakeGateway) InitiatePayout(_ context.Context, amount decimal.Decimal, _ string) (payments.PayoutReceipt, error) {
	return payments.PayoutReceipt{PayoutID: "tr_test", Amount: amount}, nil
}

type fixture struct {
	t        *testing.T
	coord    *Coordinator
	store    *storage.MemoryStore
	presence *presence.Index
	notifier *recordingNotifier
	gateway  *fakeGateway
	ledger   *ledger.Ledger
	now      time.Time
	client   *models.User
	worker   *models.User
}

var (
	saoPauloBase   = models.Coord{Lat: -23.55, Lon: -46.63}
	saoPauloPickup = models.Coord{Lat: -23.56, Lon: -46.64}
)

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		store:    storage.NewMemoryStore(),
		presence: presence.NewIndex(),
		notifier: &recordingNotifier{},
		gateway:  &fakeGateway{status: payments.CaptureApproved},
		now:      time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC),
	}
	f.ledger = ledger.New(f.store.Transactions(), f.store.Users(), f.gateway, nil)
	f.ledger.Now = func() time.Time { return f.now }
	f.coord = New(Deps{
		Requests: f.store.Requests(),
		Users:    f.store.Users(),
		Chat:     f.store.Chat(),
		Presence: f.presence,
		Pricing:  pricing.NewPolicy(time.UTC),
		Ledger:   f.ledger,
		Gateway:  f.gateway,
		Notifier: f.notifier,
	}, cfg, nil)
	f.coord.SetClock(func() time.Time { return f.now })
	f.client = f.register("Ana", models.RoleClient)
	f.worker = f.onlineWorker("Bruno")
	return f
}

func (f *fixture) register(name string, role models.Role) *models.User {
	f.t.Helper()
	u, err := f.coord.Register(context.Background(), RegisterInput{Name: name, Role: role})
	if err != nil {
		f.t.Fatalf("register %s: %v", name, err)
	}
	return u
}

func (f *fixture) onlineWorker(name string) *models.User {
	f.t.Helper()
	ctx := context.Background()
	w := f.register(name, models.RoleWorker)
	if err := f.coord.SetBaseLocation(ctx, w.ID, saoPauloBase); err != nil {
		f.t.Fatal(err)
	}
	if err := f.coord.SetAvailability(ctx, w.ID, true); err != nil {
		f.t.Fatal(err)
	}
	return w
}

func (f *fixture) create() *models.ServiceRequest {
	f.t.Helper()
	r, err := f.coord.Create(context.Background(), f.client.ID, CreateRequestInput{
		ServiceType: "flat_tire",
		Pickup:      saoPauloPickup,
		Address:     "Av. Paulista 1000",
		PaymentRef:  "pi_123",
	})
	if err != nil {
		f.t.Fatalf("create: %v", err)
	}
	return r
}

func (f *fixture) completed() *models.ServiceRequest {
	f.t.Helper()
	ctx := context.Background()
	r := f.create()
	mustOK(f.t)(f.coord.Accept(ctx, f.worker.ID, r.ID))
	mustOK(f.t)(f.coord.Arrive(ctx, f.worker.ID, r.ID))
	mustOK(f.t)(f.coord.Complete(ctx, f.worker.ID, r.ID))
	mustOK(f.t)(f.coord.Confirm(ctx, f.client.ID, r.ID))
	return mustOK(f.t)(f.coord.Confirm(ctx, f.worker.ID, r.ID))
}

// mustOK is curried so a (request, error) call can be passed straight in:
// mustOK(t)(c.Accept(...)).
func mustOK(t *testing.T) func(*models.ServiceRequest, error) *models.ServiceRequest {
	return func(r *models.ServiceRequest, err error) *models.ServiceRequest {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return r
	}
}

func expectKind(t *testing.T, err error, kind errs.Kind) {
	t.Helper()
	if errs.KindOf(err) != kind {
		t.Fatalf("expected %s, got %v", kind, err)
	}
}

func TestFullLifecycleSettlesOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	r := f.completed()

	if _, err := f.coord.Rate(ctx, f.client.ID, r.ID, RateInput{Rating: 4, Comment: "quick"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.store.Transactions().CountForRequest(ctx, r.ID, models.TxWorkerEarnings); n != 0 {
		t.Fatalf("settled after one rating")
	}
	final, err := f.coord.Rate(ctx, f.worker.ID, r.ID, RateInput{Rating: 5})
	if err != nil {
		t.Fatal(err)
	}
	if final.SettledAt == nil {
		t.Fatalf("expected settlement after both ratings")
	}

	n, _ := f.store.Transactions().CountForRequest(ctx, r.ID, models.TxWorkerEarnings)
	if n != 1 {
		t.Fatalf("expected one earnings entry, got %d", n)
	}
	b, _ := f.ledger.Balance(ctx, f.worker.ID)
	if !b.Pending.Equal(decimal.NewFromInt(40)) || !b.Available.IsZero() {
		t.Fatalf("expected 40 pending, got %+v", b)
	}
	f.now = f.now.Add(12 * time.Hour)
	b, _ = f.ledger.Balance(ctx, f.worker.ID)
	if !b.Available.Equal(decimal.NewFromInt(40)) || !b.Pending.IsZero() {
		t.Fatalf("expected 40 available after hold, got %+v", b)
	}
	if f.notifier.received(f.worker.ID, dispatch.EventPaymentReleased) != 1 {
		t.Fatalf("worker not told about released payment")
	}

	mech, _ := f.store.Users().Get(ctx, f.worker.ID)
	if mech.RatingCount != 1 || math.Abs(mech.Rating-4) > 1e-9 {
		t.Fatalf("client rating not applied to mechanic: %+v", mech)
	}
}

func TestRatingTwiceIsRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	r := f.completed()
	mustOK(t)(f.coord.Rate(ctx, f.client.ID, r.ID, RateInput{Rating: 3}))
	_, err := f.coord.Rate(ctx, f.client.ID, r.ID, RateInput{Rating: 5})
	expectKind(t, err, errs.KindAlreadyProcessed)
}

func TestRatingNeedsBothConfirmations(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	r := f.create()
	mustOK(t)(f.coord.Accept(ctx, f.worker.ID, r.ID))
	mustOK(t)(f.coord.Complete(ctx, f.client.ID, r.ID))
	mustOK(t)(f.coord.Confirm(ctx, f.client.ID, r.ID))
	_, err := f.coord.Rate(ctx, f.client.ID, r.ID, RateInput{Rating: 5})
	expectKind(t, err, errs.KindInvalidState)

	_, err = f.coord.Rate(ctx, f.client.ID, r.ID, RateInput{Rating: 6})
	expectKind(t, err, errs.KindValidation)
}

func TestConcurrentSecondRatingsSettleOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	r := f.completed()

	var wg sync.WaitGroup
	for _, id := range []string{f.client.ID, f.worker.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = f.coord.Rate(ctx, id, r.ID, RateInput{Rating: 5})
		}(id)
	}
	wg.Wait()

	got, _ := f.store.Requests().Get(ctx, r.ID)
	if !got.BothRated() || got.SettledAt == nil {
		t.Fatalf("expected rated and settled request, got %+v", got)
	}
	n, _ := f.store.Transactions().CountForRequest(ctx, r.ID, models.TxWorkerEarnings)
	if n != 1 {
		t.Fatalf("expected exactly one earnings entry, got %d", n)
	}
}

func TestAcceptRaceHasOneWinner(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	workers := []*models.User{f.worker}
	for _, name := range []string{"Caio", "Davi", "Edu", "Fabi"} {
		workers = append(workers, f.onlineWorker(name))
	}
	r := f.create()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		lost    int
	)
	for _, w := range workers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.coord.Accept(ctx, id, r.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errs.KindOf(err) == errs.KindAlreadyAccepted:
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(w.ID)
	}
	wg.Wait()

	if len(winners) != 1 || lost != len(workers)-1 {
		t.Fatalf("expected 1 winner and %d losers, got %v / %d", len(workers)-1, winners, lost)
	}
	got, _ := f.store.Requests().Get(ctx, r.ID)
	if got.MechanicID != winners[0] || got.Status != models.StatusAccepted {
		t.Fatalf("stored request disagrees with winner: %+v", got)
	}
}

func TestAcceptRecordsDistance(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	r := f.create()
	got := mustOK(t)(f.coord.Accept(context.Background(), f.worker.ID, r.ID))
	if got.DistanceKm == nil || math.Abs(*got.DistanceKm-1.47) > 0.05 {
		t.Fatalf("unexpected distance %v", got.DistanceKm)
	}
	if f.notifier.received(f.client.ID, dispatch.EventRequestAccepted) != 1 {
		t.Fatalf("client not told about acceptance")
	}
	if f.notifier.received(f.worker.ID, dispatch.EventRequestAcceptConfirm) != 1 {
		t.Fatalf("worker did not get confirmation")
	}
}

func TestAcceptRequiresOnlineWorker(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	r := f.create()

	if err := f.coord.SetAvailability(ctx, f.worker.ID, false); err != nil {
		t.Fatal(err)
	}
	_, err := f.coord.Accept(ctx, f.worker.ID, r.ID)
	expectKind(t, err, errs.KindForbidden)

	_, err = f.coord.Accept(ctx, f.client.ID, r.ID)
	expectKind(t, err, errs.KindForbidden)

	fresh := f.register("Gil", models.RoleWorker)
	err = f.coord.SetAvailability(ctx, fresh.ID, true)
	expectKind(t, err, errs.KindValidation)
}

func TestTransitionGuards(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	other := f.onlineWorker("Hugo")
	r := f.create()

	_, err := f.coord.Arrive(ctx, f.worker.ID, r.ID)
	expectKind(t, err, errs.KindForbidden)
	_, err = f.coord.Complete(ctx, f.client.ID, r.ID)
	expectKind(t, err, errs.KindInvalidState)

	mustOK(t)(f.coord.Accept(ctx, f.worker.ID, r.ID))
	_, err = f.coord.Arrive(ctx, other.ID, r.ID)
	expectKind(t, err, errs.KindForbidden)
	_, err = f.coord.Confirm(ctx, f.client.ID, r.ID)
	expectKind(t, err, errs.KindInvalidState)
	_, err = f.coord.Cancel(ctx, f.worker.ID, r.ID, CancelInput{})
	expectKind(t, err, errs.KindForbidden)

	done := mustOK(t)(f.coord.Complete(ctx, f.worker.ID, r.ID))
	if done.MechanicID != f.worker.ID {
		t.Fatalf("mechanic lost after completion")
	}
	_, err = f.coord.Cancel(ctx, f.client.ID, r.ID, CancelInput{})
	expectKind(t, err, errs.KindInvalidState)

	_, err = f.coord.Accept(ctx, other.ID, r.ID)
	expectKind(t, err, errs.KindAlreadyAccepted)
	_, err = f.coord.Accept(ctx, other.ID, "missing")
	expectKind(t, err, errs.KindNotFound)
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	r := f.create()
	mustOK(t)(f.coord.Accept(ctx, f.worker.ID, r.ID))
	mustOK(t)(f.coord.Complete(ctx, f.worker.ID, r.ID))
	first := mustOK(t)(f.coord.Confirm(ctx, f.client.ID, r.ID))
	second := mustOK(t)(f.coord.Confirm(ctx, f.client.ID, r.ID))
	if first.Version != second.Version {
		t.Fatalf("second confirm wrote: %d -> %d", first.Version, second.Version)
	}
	if f.notifier.received(f.worker.ID, dispatch.EventRequestConfirmed) != 1 {
		t.Fatalf("expected exactly one confirmation event")
	}
}

// ghostWrite applies the next Update but reports a conflict, as when a
// competing writer's change and ours land together.
type ghostWrite struct {
	storage.RequestStore
	mu    sync.Mutex
	armed bool
}

func (g *ghostWrite) Update(ctx context.Context, id string, cond storage.Condition, p storage.RequestPatch) (*models.ServiceRequest, error) {
	r, err := g.RequestStore.Update(ctx, id, cond, p)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil && g.armed {
		g.armed = false
		return nil, storage.ErrConflict
	}
	return r, err
}

func TestConfirmRetryThatFindsFlagSetDoesNotNotify(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	r := f.create()
	mustOK(t)(f.coord.Accept(ctx, f.worker.ID, r.ID))
	mustOK(t)(f.coord.Complete(ctx, f.worker.ID, r.ID))

	f.coord.Requests = &ghostWrite{RequestStore: f.store.Requests(), armed: true}
	got := mustOK(t)(f.coord.Confirm(ctx, f.client.ID, r.ID))
	if !got.ClientConfirmed {
		t.Fatalf("client confirmation lost")
	}
	if n := f.notifier.received(f.worker.ID, dispatch.EventRequestConfirmed); n != 0 {
		t.Fatalf("retry that changed nothing sent %d confirmation events", n)
	}
}

func TestWorkersOnlineGaugeFollowsDirectory(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	if got := testutil.ToFloat64(observability.WorkersOnline); got != 1 {
		t.Fatalf("after fixture: gauge %v", got)
	}
	second := f.onlineWorker("Carla")
	// going online twice must not count twice
	if err := f.coord.SetAvailability(ctx, second.ID, true); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(observability.WorkersOnline); got != 2 {
		t.Fatalf("two online: gauge %v", got)
	}
	if err := f.coord.SetAvailability(ctx, f.worker.ID, false); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(observability.WorkersOnline); got != 1 {
		t.Fatalf("after going offline: gauge %v", got)
	}
}

func TestAdminAccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminIDs = []string{"ops-1"}
	f := newFixture(t, cfg)
	ctx := context.Background()
	if err := f.store.Users().Create(ctx, &models.User{ID: "ops-1", Name: "Ops", Role: models.RoleWorker}); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.RequireRole(ctx, "ops-1", models.RoleAdmin); err != nil {
		t.Fatalf("listed admin refused: %v", err)
	}
	expectKind(t, f.coord.RequireRole(ctx, f.client.ID, models.RoleAdmin), errs.KindForbidden)

	_, err := f.coord.Register(ctx, RegisterInput{Name: "Mallory", Role: models.RoleAdmin})
	expectKind(t, err, errs.KindValidation)
}

func TestCreatePricing(t *testing.T) {
	cases := []struct {
		name     string
		at       time.Time
		after    bool
		total    int64
		platform int64
		earnings int64
	}{
		{"after hours", time.Date(2024, 5, 10, 3, 0, 0, 0, time.UTC), true, 100, 20, 80},
		{"daytime", time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC), false, 50, 10, 40},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			f.now = tc.at
			r := f.create()
			p := r.Pricing
			if p.AfterHours != tc.after ||
				!p.TotalPrice.Equal(decimal.NewFromInt(tc.total)) ||
				!p.PlatformFee.Equal(decimal.NewFromInt(tc.platform)) ||
				!p.WorkerEarnings.Equal(decimal.NewFromInt(tc.earnings)) {
				t.Fatalf("unexpected pricing %+v", p)
			}
			if len(f.notifier.broadcasts) != 1 || f.notifier.broadcasts[0].Type != dispatch.EventRequestCreated {
				t.Fatalf("expected one created broadcast, got %v", f.notifier.broadcasts)
			}
		})
	}
}

func TestCreateRejectsUnapprovedPayment(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.gateway.status = payments.CapturePending
	_, err := f.coord.Create(context.Background(), f.client.ID, CreateRequestInput{
		ServiceType: "battery", Pickup: saoPauloPickup, PaymentRef: "pi_pending",
	})
	expectKind(t, err, errs.KindUpstreamPayment)
	list, _ := f.coord.ListForUser(context.Background(), f.client.ID)
	if len(list) != 0 {
		t.Fatalf("request created despite unapproved payment")
	}

	_, err = f.coord.Create(context.Background(), f.worker.ID, CreateRequestInput{
		ServiceType: "battery", Pickup: saoPauloPickup, PaymentRef: "pi_1",
	})
	expectKind(t, err, errs.KindForbidden)
}

func TestCancelAcceptedRefunds(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	r := f.create()
	mustOK(t)(f.coord.Accept(ctx, f.worker.ID, r.ID))

	got := mustOK(t)(f.coord.Cancel(ctx, f.client.ID, r.ID, CancelInput{Reason: "fixed it myself"}))
	if got.Status != models.StatusCancelled || got.PaymentStatus != models.PaymentRefunded {
		t.Fatalf("unexpected request after cancel: %+v", got)
	}
	txs, _ := f.store.Transactions().ListForUser(ctx, f.client.ID)
	if len(txs) != 1 || txs[0].Type != models.TxRefund || !txs[0].Amount.Equal(r.Pricing.TotalPrice) {
		t.Fatalf("expected one refund of %s, got %+v", r.Pricing.TotalPrice, txs)
	}
	if f.notifier.received(f.worker.ID, dispatch.EventRequestCancelled) != 1 {
		t.Fatalf("assigned worker not told about cancellation")
	}
}

func TestCancelRefundFailurePolicies(t *testing.T) {
	refundErr := errors.New("card network down")

	t.Run("proceed", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.gateway.refundErr = refundErr
		r := f.create()
		got := mustOK(t)(f.coord.Cancel(context.Background(), f.client.ID, r.ID, CancelInput{}))
		if got.Status != models.StatusCancelled || got.PaymentStatus != models.PaymentRefundFailed {
			t.Fatalf("unexpected request %+v", got)
		}
	})

	t.Run("block", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RefundPolicy = RefundBlock
		f := newFixture(t, cfg)
		f.gateway.refundErr = refundErr
		ctx := context.Background()
		r := f.create()
		mustOK(t)(f.coord.Accept(ctx, f.worker.ID, r.ID))

		_, err := f.coord.Cancel(ctx, f.client.ID, r.ID, CancelInput{Reason: "changed my mind"})
		expectKind(t, err, errs.KindUpstreamPayment)
		got, _ := f.store.Requests().Get(ctx, r.ID)
		if got.Status != models.StatusAccepted || got.CancelledAt != nil || got.PaymentStatus != models.PaymentApproved {
			t.Fatalf("cancellation not rolled back: %+v", got)
		}
		if f.notifier.received(f.worker.ID, dispatch.EventRequestCancelled) != 0 {
			t.Fatalf("worker told about a cancellation that did not happen")
		}
	})
}

func TestListPendingNear(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	near := f.create()
	_, err := f.coord.Create(ctx, f.client.ID, CreateRequestInput{
		ServiceType: "tow", Pickup: models.Coord{Lat: -22.90, Lon: -43.17}, PaymentRef: "pi_rio",
	})
	if err != nil {
		t.Fatal(err)
	}

	list, err := f.coord.ListPendingNear(ctx, f.worker.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != near.ID {
		t.Fatalf("expected only the nearby request, got %d", len(list))
	}
	_, err = f.coord.ListPendingNear(ctx, f.client.ID, 0)
	expectKind(t, err, errs.KindForbidden)
}

func TestChatBetweenParties(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	r := f.create()

	_, err := f.coord.SendMessage(ctx, f.client.ID, r.ID, MessageInput{Body: "hello?"})
	expectKind(t, err, errs.KindInvalidState)

	mustOK(t)(f.coord.Accept(ctx, f.worker.ID, r.ID))
	if _, err := f.coord.SendMessage(ctx, f.client.ID, r.ID, MessageInput{Body: "  blue car  "}); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.coord.Messages(ctx, f.worker.ID, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "blue car" {
		t.Fatalf("unexpected chat %+v", msgs)
	}
	if f.notifier.received(f.worker.ID, dispatch.EventNewChatMessage) != 1 {
		t.Fatalf("worker not notified of chat")
	}

	stranger := f.register("Ivo", models.RoleClient)
	_, err = f.coord.Messages(ctx, stranger.ID, r.ID)
	expectKind(t, err, errs.KindForbidden)
}

func TestActiveForUser(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	if got, err := f.coord.ActiveForUser(ctx, f.worker.ID); err != nil || got != nil {
		t.Fatalf("expected nothing active, got %v %v", got, err)
	}
	r := f.create()
	mustOK(t)(f.coord.Accept(ctx, f.worker.ID, r.ID))
	got, err := f.coord.ActiveForUser(ctx, f.worker.ID)
	if err != nil || got == nil || got.ID != r.ID {
		t.Fatalf("expected active request %s, got %v %v", r.ID, got, err)
	}
}
