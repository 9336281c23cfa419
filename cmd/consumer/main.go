// Command consumer applies worker location pings from Kafka to the shared
// presence directory so every API replica sees the same positions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/presence"
)

var (
	pingsRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_pings_read_total",
		Help: "Location pings read from the topic",
	})
	pingsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_pings_rejected_total",
		Help: "Pings dropped because they could not be decoded or named no user",
	})
	pingsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_pings_applied_total",
		Help: "Pings written to the presence directory",
	})
	pingsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_pings_failed_total",
		Help: "Pings that could not be written after all retries",
	})
)

func init() {
	prometheus.MustRegister(pingsRead, pingsRejected, pingsApplied, pingsFailed)
}

const (
	writeAttempts   = 3
	firstWriteDelay = 200 * time.Millisecond
	minReadBackoff  = time.Second
	maxReadBackoff  = 30 * time.Second
)

func main() {
	opsAddr := flag.String("metrics-addr", ":2112", "listen address for /metrics, /healthz and /ready")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	directory := presence.NewRedisDirectory(rc, cfg.RedisGeoKey)

	go serveOps(*opsAddr, func(ctx context.Context) error { return rc.Ping(ctx).Err() }, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  500 * time.Millisecond,
	})
	defer reader.Close()

	logger.Info("applying location pings", "topic", cfg.KafkaTopic, "group", cfg.ConsumerGroup, "brokers", cfg.KafkaBrokers)
	consume(ctx, reader, directory, logger)
}

// serveOps exposes metrics and health checks; ready reports whether the directory
// backend answers.
func serveOps(addr string, ready func(context.Context) error, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			http.Error(w, "presence directory unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	logger.Info("ops endpoints listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("ops server stopped", "error", err)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// LocationWriter is the slice of the presence directory the consumer writes.
type LocationWriter interface {
	UpdateLocation(ctx context.Context, userID string, loc models.Coord) error
}

// consume runs until ctx ends. Read errors back off; bad pings are skipped
// so one poisoned message never stalls the partition.
func consume(ctx context.Context, r messageReader, w LocationWriter, logger *slog.Logger) {
	wait := minReadBackoff
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer stopped")
				return
			}
			logger.Warn("read failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			wait = nextBackoff(wait)
			continue
		}
		wait = minReadBackoff
		pingsRead.Inc()

		p, ok := decodePing(m.Value)
		if !ok {
			pingsRejected.Inc()
			logger.Warn("rejected ping", "partition", m.Partition, "offset", m.Offset)
			continue
		}
		if err := updateWithRetry(ctx, w, p, writeAttempts, firstWriteDelay); err != nil {
			pingsFailed.Inc()
			logger.Error("presence write failed", "user_id", p.UserID, "error", err)
			continue
		}
		pingsApplied.Inc()
	}
}

func decodePing(b []byte) (ingest.LocationPing, bool) {
	var p ingest.LocationPing
	if err := json.Unmarshal(b, &p); err != nil || p.UserID == "" {
		return p, false
	}
	return p, true
}

func nextBackoff(d time.Duration) time.Duration {
	if d *= 2; d > maxReadBackoff {
		return maxReadBackoff
	}
	return d
}

// updateWithRetry applies one ping, doubling the delay between attempts.
func updateWithRetry(ctx context.Context, w LocationWriter, p ingest.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = w.UpdateLocation(ctx, p.UserID, p.Loc); err == nil || attempt >= attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
