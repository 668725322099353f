// Package kafka implements a gate transport that hands rendered notifications
// to a downstream delivery service over a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// MessageWriter is the subset of *kafka.Writer we use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers and topic for delegated delivery.
type Config struct {
	Brokers []string
	Topic   string
}

// DeliveryCommand is the record published for each gated notification.
type DeliveryCommand struct {
	NotificationID string            `json:"notification_id"`
	RecipientID    string            `json:"recipient_id"`
	Category       string            `json:"category"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	ImageURL       string            `json:"image_url,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Transport publishes delivery commands keyed by recipient, which keeps
// per-user ordering within a partition. Permission is still decided by the
// user's registered devices.
type Transport struct {
	writer  MessageWriter
	devices dispatch.DeviceStore
	logger  *slog.Logger
}

// NewWriter builds a kafka-go writer for cfg.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

func NewTransport(writer MessageWriter, devices dispatch.DeviceStore, logger *slog.Logger) *Transport {
	return &Transport{
		writer:  writer,
		devices: devices,
		logger:  logger.With("component", "KafkaTransport"),
	}
}

func (t *Transport) Initialize(ctx context.Context, user urn.URN) (bool, error) {
	set, err := t.devices.Fetch(ctx, user)
	if err != nil {
		return false, fmt.Errorf("failed to fetch devices for %s: %w", user.String(), err)
	}
	return !set.Empty(), nil
}

func (t *Transport) Send(ctx context.Context, user urn.URN, payload notify.Payload) error {
	msg := payload.Render()
	notificationID := uuid.NewString()

	data := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["notification_id"] = notificationID

	cmd := DeliveryCommand{
		NotificationID: notificationID,
		RecipientID:    user.String(),
		Category:       payload.Category().String(),
		Title:          msg.Title,
		Body:           msg.Body,
		ImageURL:       msg.ImageURL,
		Data:           data,
		CreatedAt:      time.Now().UTC(),
	}

	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery command: %w", err)
	}

	if err := t.writer.WriteMessages(ctx, kafka.Message{Key: []byte(cmd.RecipientID), Value: value}); err != nil {
		return fmt.Errorf("failed to publish delivery command: %w", err)
	}
	t.logger.Debug("Delivery command published", "user", cmd.RecipientID, "notification_id", cmd.NotificationID)
	return nil
}

// Cleanup drops cached device routes so the next session rechecks permission.
func (t *Transport) Cleanup(ctx context.Context, user urn.URN) {
	inv, ok := t.devices.(dispatch.Invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx, user); err != nil {
		t.logger.Warn("Failed to invalidate cached devices", "user", user.String(), "err", err)
	}
}

// Close flushes and closes the writer.
func (t *Transport) Close() error {
	return t.writer.Close()
}
