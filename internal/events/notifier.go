package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Notifier publishes plan lifecycle notifications (plan.published,
// plan.repaired, plan.locked) to a Kafka topic for downstream delivery
// channels. Channel selection and formatting are the consumer's problem.
// A nil Notifier is a no-op, so the engine works without brokers.
type Notifier struct {
	writer      *kafka.Writer
	maxAttempts int
}

type NotifierConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
}

// NewNotifier builds a Notifier. Returns an error when brokers or topic are
// missing; callers that run without Kafka simply keep a nil Notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return &Notifier{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Notification is the published envelope. Keyed by plan id so consumers see
// per-plan ordering.
type Notification struct {
	Type     string         `json:"type"`
	TenantID string         `json:"tenant_id"`
	SiteID   string         `json:"site_id"`
	PlanID   string         `json:"plan_id"`
	Payload  map[string]any `json:"payload,omitempty"`
	TS       time.Time      `json:"ts"`
}

// Publish sends one notification with bounded retries. Nil receivers no-op.
func (n *Notifier) Publish(ctx context.Context, note Notification) error {
	if n == nil || n.writer == nil {
		return nil
	}
	if note.TS.IsZero() {
		note.TS = time.Now().UTC()
	}
	value, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := n.writer.WriteMessages(attemptCtx, kafka.Message{
			Key:   []byte(note.PlanID),
			Value: value,
			Time:  note.TS,
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", n.maxAttempts, lastErr)
}

// Close releases the underlying writer.
func (n *Notifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}
