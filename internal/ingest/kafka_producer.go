package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/models"
)

// LocationPing is the message a worker location update travels as.
type LocationPing struct {
	UserID string       `json:"user_id"`
	Loc    models.Coord `json:"loc"`
	At     time.Time    `json:"at"`
}

// KafkaProducer publishes location pings, and optionally mirrors
// notification events to a second topic.
type KafkaProducer struct {
	writer *kafka.Writer
	events *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic, eventsTopic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	k := &KafkaProducer{writer: w}
	if eventsTopic != "" {
		// keyed by request id so one request's events stay on one partition
		k.events = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventsTopic, Balancer: &kafka.Hash{}, Async: true})
	}
	return k
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p LocationPing) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.UserID), Value: b})
}

// UpdateLocation queues the position for the presence consumer instead of
// writing the directory from the request path.
func (k *KafkaProducer) UpdateLocation(ctx context.Context, userID string, loc models.Coord) error {
	return k.PublishLocation(ctx, LocationPing{UserID: userID, Loc: loc, At: time.Now().UTC()})
}

// PublishEvent implements dispatch.Mirror. The events writer is async, so
// this returns once the message is buffered.
func (k *KafkaProducer) PublishEvent(ctx context.Context, userID string, ev dispatch.Event) error {
	if k.events == nil {
		return nil
	}
	b, err := json.Marshal(struct {
		UserID string         `json:"user_id"`
		Event  dispatch.Event `json:"event"`
	}{userID, ev})
	if err != nil {
		return err
	}
	key := ev.RequestID
	if key == "" {
		key = userID
	}
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var err error
	if k.writer != nil {
		err = k.writer.Close()
	}
	if k.events != nil {
		if cerr := k.events.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
