package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/models"
)

// fakeWriter fails the first failN updates.
type fakeWriter struct {
	failN int
	calls int
	last  map[string]models.Coord
}

func (f *fakeWriter) UpdateLocation(_ context.Context, userID string, loc models.Coord) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("redis down")
	}
	if f.last == nil {
		f.last = make(map[string]models.Coord)
	}
	f.last[userID] = loc
	return nil
}

func TestUpdateWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeWriter{failN: 2}
	p := ingest.LocationPing{UserID: "w1", Loc: models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	if err := updateWithRetry(context.Background(), f, p, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestUpdateWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeWriter{failN: 5}
	p := ingest.LocationPing{UserID: "w1", Loc: models.Coord{Lat: 1, Lon: 2}}
	if err := updateWithRetry(context.Background(), f, p, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

// scriptedReader replays messages, then blocks until the context ends.
type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeAppliesValidPings(t *testing.T) {
	good, _ := json.Marshal(ingest.LocationPing{UserID: "w1", Loc: models.Coord{Lat: -23.55, Lon: -46.63}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{
		msgs:   []kafka.Message{{Value: []byte("not json")}, {Value: []byte(`{"loc":{"lat":1,"lng":1}}`)}, {Value: good}},
		cancel: cancel,
	}
	w := &fakeWriter{}
	consume(ctx, r, w, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if w.calls != 1 {
		t.Fatalf("expected only the valid ping applied, got %d calls", w.calls)
	}
	if got := w.last["w1"]; got.Lat != -23.55 || got.Lon != -46.63 {
		t.Fatalf("unexpected stored location %+v", got)
	}
}

func TestNextBackoffIsCapped(t *testing.T) {
	if got := nextBackoff(minReadBackoff); got != 2*time.Second {
		t.Fatalf("expected doubling, got %v", got)
	}
	if got := nextBackoff(20 * time.Second); got != maxReadBackoff {
		t.Fatalf("expected cap at %v, got %v", maxReadBackoff, got)
	}
}
