// Package pipeline turns notification requests published by other marketplace
// services into gated sends.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Envelope is the wire shape of a request on the notifications subscription.
type Envelope struct {
	RecipientID string          `json:"recipient_id"`
	Category    string          `json:"category"`
	Payload     json.RawMessage `json:"payload"`
}

// GateRequest is a decoded, validated envelope.
type GateRequest struct {
	Recipient urn.URN
	Payload   notify.Payload
}

// NotificationRequestTransformer decodes and validates an Envelope. Any
// failure returns skip=true with the error, leaving the message to the
// subscription's dead-letter policy.
func NotificationRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*GateRequest, bool, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal notification request from message %s: %w", msg.ID, err)
	}

	recipient, err := urn.Parse(env.RecipientID)
	if err != nil {
		return nil, true, fmt.Errorf("invalid recipient in message %s: %w", msg.ID, err)
	}

	category, err := notify.ParseCategory(env.Category)
	if err != nil {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, err)
	}

	payload, err := notify.DecodePayload(category, env.Payload)
	if err != nil {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, err)
	}

	return &GateRequest{Recipient: recipient, Payload: payload}, false, nil
}
