// Package changefeed consumes membership change events from Kafka and feeds
// them into the refresh pipeline.
//
// Events are processed at-least-once: a message offset is committed only
// after the change has been persisted and the coordinator notified.
// Redelivered events are harmless because membership writes are
// last-writer-wins by updated_at and the coordinator suppresses no-op
// changes.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/entitler-io/entitler/internal/config"
	"github.com/entitler-io/entitler/internal/entitlement"
)

// Sentinel errors for changefeed operation failures.
var (
	// ErrConsumerClosed indicates the consumer has been closed.
	ErrConsumerClosed = errors.New("changefeed consumer closed")

	// ErrMalformedEvent indicates a message that could not be decoded.
	ErrMalformedEvent = errors.New("malformed membership change event")
)

type (
	// Config holds Kafka consumer configuration.
	Config struct {
		// Brokers is the list of Kafka broker addresses.
		Brokers []string

		// Topic is the membership change topic.
		Topic string

		// GroupID is the consumer group identifier. All entitler instances
		// share one group so each event is handled once per deployment.
		GroupID string

		// MinBytes and MaxBytes bound fetch request sizes.
		MinBytes int
		MaxBytes int

		// MaxWait bounds how long a fetch blocks waiting for MinBytes.
		MaxWait time.Duration
	}

	// MembershipWriter persists membership changes. Implemented by
	// storage.MembershipStore.
	MembershipWriter interface {
		UpsertMemberships(
			ctx context.Context,
			memberships []entitlement.Membership,
		) (int, []*entitlement.ValidationError, error)
	}

	// Notifier receives membership changes after they are persisted.
	// Implemented by refresh.Coordinator.
	Notifier interface {
		NotifyMembershipChange(changes ...entitlement.Membership)
	}

	// messageReader abstracts the kafka-go Reader for testing.
	messageReader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Consumer reads membership change events and routes them to the
	// membership store and refresh coordinator.
	Consumer struct {
		reader   messageReader
		writer   MembershipWriter
		notifier Notifier
		logger   *slog.Logger
	}

	// membershipChangeEvent is the wire format of a membership change.
	membershipChangeEvent struct {
		UserID    string    `json:"user_id"`
		UserName  string    `json:"user_name"`
		Region    string    `json:"region"`
		Status    string    `json:"status"`
		UpdatedAt time.Time `json:"updated_at"`
	}
)

// Default consumer configuration values.
const (
	DefaultTopic   = "membership-changes"
	DefaultGroupID = "entitler"

	defaultMinBytes = 1
	defaultMaxBytes = 10 << 20 // 10 MiB
	defaultMaxWait  = 500 * time.Millisecond
)

// LoadConfig loads Kafka consumer configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Brokers:  config.ParseCommaSeparatedList(config.GetEnvStr("ENTITLER_KAFKA_BROKERS", "")),
		Topic:    config.GetEnvStr("ENTITLER_KAFKA_TOPIC", DefaultTopic),
		GroupID:  config.GetEnvStr("ENTITLER_KAFKA_GROUP_ID", DefaultGroupID),
		MinBytes: config.GetEnvInt("ENTITLER_KAFKA_MIN_BYTES", defaultMinBytes),
		MaxBytes: config.GetEnvInt("ENTITLER_KAFKA_MAX_BYTES", defaultMaxBytes),
		MaxWait:  config.GetEnvDuration("ENTITLER_KAFKA_MAX_WAIT", defaultMaxWait),
	}
}

// Enabled reports whether a broker list was configured. The changefeed is
// optional; deployments without Kafka rely on the ingest API alone.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// NewConsumer creates a consumer connected to the configured brokers.
func NewConsumer(cfg *Config, writer MembershipWriter, notifier Notifier, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})

	return newConsumer(reader, writer, notifier, logger)
}

func newConsumer(reader messageReader, writer MembershipWriter, notifier Notifier, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Consumer{
		reader:   reader,
		writer:   writer,
		notifier: notifier,
		logger:   logger,
	}
}

// Run consumes events until ctx is cancelled. Returns nil on clean
// shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Changefeed consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("Changefeed consumer stopped")

				return nil
			}

			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.handleMessage(ctx, msg); err != nil {
			// Persistence failed; do not commit so the event is
			// redelivered.
			c.logger.Error("Failed to process membership change",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()))

			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("commit message: %w", err)
		}
	}
}

// handleMessage decodes, persists, and propagates a single event.
// Malformed events return nil so their offsets are committed; retrying a
// poison message cannot make it parse.
func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	change, err := decodeEvent(msg.Value)
	if err != nil {
		c.logger.Warn("Skipping malformed membership change event",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()))

		return nil
	}

	stored, invalid, err := c.writer.UpsertMemberships(ctx, []entitlement.Membership{change})
	if err != nil {
		return fmt.Errorf("persist membership change: %w", err)
	}

	for _, verr := range invalid {
		c.logger.Warn("Skipping invalid membership change event",
			slog.String("user_id", verr.Membership.UserID),
			slog.String("reason", verr.Error()))
	}

	if stored > 0 {
		c.notifier.NotifyMembershipChange(change)
	}

	return nil
}

// Close shuts down the underlying Kafka reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrConsumerClosed, err)
	}

	return nil
}

// decodeEvent parses a membership change event from its JSON wire format.
func decodeEvent(payload []byte) (entitlement.Membership, error) {
	var event membershipChangeEvent

	if err := json.Unmarshal(payload, &event); err != nil {
		return entitlement.Membership{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if event.UserID == "" {
		return entitlement.Membership{}, fmt.Errorf("%w: missing user_id", ErrMalformedEvent)
	}

	if event.Region == "" {
		return entitlement.Membership{}, fmt.Errorf("%w: missing region", ErrMalformedEvent)
	}

	status := entitlement.Status(event.Status)
	if !status.IsValid() {
		return entitlement.Membership{}, fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, event.Status)
	}

	if event.UpdatedAt.IsZero() {
		return entitlement.Membership{}, fmt.Errorf("%w: missing updated_at", ErrMalformedEvent)
	}

	return entitlement.Membership{
		UserID:    event.UserID,
		UserName:  event.UserName,
		Region:    event.Region,
		Status:    status,
		UpdatedAt: event.UpdatedAt,
	}, nil
}
