package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ignite/sms-relay/internal/pkg/logger"
)

// Handlers applies type-specific business state changes for webhook events.
// All writes go through the supplied Execer so they share the ingestion
// transaction.
type Handlers struct {
	delivery *DeliveryRepo
}

// NewHandlers creates the event handler set.
func NewHandlers(delivery *DeliveryRepo) *Handlers {
	return &Handlers{delivery: delivery}
}

// Handle dispatches an envelope to its type-specific handler. Unknown event
// types are tolerated as no-ops: the provider adds types over time and an
// unrecognized one is "unsupported", not an error.
func (h *Handlers) Handle(ctx context.Context, ex Execer, env *Envelope) error {
	switch env.Type {
	case EventMessageReceived:
		return h.handleMessageReceived(ctx, ex, env)
	case EventMessageDelivered:
		return h.handleMessageDelivered(ctx, ex, env)
	case EventCallCompleted, EventCallRecordingCompleted,
		EventCallSummaryCompleted, EventCallTranscriptCompleted:
		return h.handleCallEvent(ctx, ex, env)
	default:
		log.Printf("[Ingest] Ignoring unsupported event type %q (event %s)", env.Type, env.ID)
		return nil
	}
}

func (h *Handlers) handleMessageReceived(ctx context.Context, ex Execer, env *Envelope) error {
	var msg MessageObject
	if err := json.Unmarshal(env.Data.Object, &msg); err != nil {
		return fmt.Errorf("decode message object: %w", err)
	}
	if msg.ID == "" {
		return fmt.Errorf("message.received event %s has no message id", env.ID)
	}

	rec := DeliveryRecord{
		ProviderMessageID: sql.NullString{String: msg.ID, Valid: true},
		ConversationID:    nullable(msg.ConversationID),
		Direction:         "incoming",
		Status:            "received",
		Recipient:         nullable(msg.From),
	}
	if err := h.delivery.Upsert(ctx, ex, rec); err != nil {
		return err
	}

	// Attribute the reply to the most recently contacted campaign member
	// with this phone number, if any.
	_, err := ex.ExecContext(ctx, `
		WITH responder AS (
			SELECT id, campaign_id, variant
			FROM campaign_members
			WHERE phone = $1 AND status = 'sent' AND responded_at IS NULL
			ORDER BY sent_at DESC
			LIMIT 1
		), marked AS (
			UPDATE campaign_members m
			SET responded_at = NOW()
			FROM responder r
			WHERE m.id = r.id
			RETURNING r.campaign_id, r.variant
		)
		UPDATE campaign_variant_outcomes o
		SET responded = responded + 1, updated_at = NOW()
		FROM marked
		WHERE o.campaign_id = marked.campaign_id AND o.variant = marked.variant
	`, msg.From)
	if err != nil {
		return fmt.Errorf("attribute response from %s: %w", logger.RedactPhone(msg.From), err)
	}
	return nil
}

func (h *Handlers) handleMessageDelivered(ctx context.Context, ex Execer, env *Envelope) error {
	var msg MessageObject
	if err := json.Unmarshal(env.Data.Object, &msg); err != nil {
		return fmt.Errorf("decode message object: %w", err)
	}
	if msg.ID == "" {
		return fmt.Errorf("message.delivered event %s has no message id", env.ID)
	}

	recipient := ""
	if len(msg.To) > 0 {
		recipient = msg.To[0]
	}
	rec := DeliveryRecord{
		ProviderMessageID: sql.NullString{String: msg.ID, Valid: true},
		ConversationID:    nullable(msg.ConversationID),
		Direction:         "outgoing",
		Status:            "delivered",
		Recipient:         nullable(recipient),
	}
	if err := h.delivery.Upsert(ctx, ex, rec); err != nil {
		return err
	}

	// Roll the delivery up into the campaign outcome counters when this
	// message belongs to a campaign send.
	_, err := ex.ExecContext(ctx, `
		WITH member AS (
			UPDATE campaign_members
			SET delivered_at = NOW()
			WHERE provider_message_id = $1 AND delivered_at IS NULL
			RETURNING campaign_id, variant
		)
		UPDATE campaign_variant_outcomes o
		SET delivered = delivered + 1, updated_at = NOW()
		FROM member
		WHERE o.campaign_id = member.campaign_id AND o.variant = member.variant
	`, msg.ID)
	if err != nil {
		return fmt.Errorf("roll up delivery for message %s: %w", msg.ID, err)
	}
	return nil
}

// handleCallEvent records call lifecycle events. Recording, summary, and
// transcript payloads are provider-optional; missing fields are accepted.
func (h *Handlers) handleCallEvent(ctx context.Context, ex Execer, env *Envelope) error {
	var call CallObject
	if err := json.Unmarshal(env.Data.Object, &call); err != nil {
		return fmt.Errorf("decode call object: %w", err)
	}
	if call.ID == "" {
		return fmt.Errorf("%s event %s has no call id", env.Type, env.ID)
	}

	status := call.Status
	if status == "" {
		status = "completed"
	}
	rec := DeliveryRecord{
		ProviderMessageID: sql.NullString{String: call.ID, Valid: true},
		ConversationID:    nullable(call.ConversationID),
		Direction:         call.Direction,
		Status:            status,
		Recipient:         nullable(call.To),
	}
	return h.delivery.Upsert(ctx, ex, rec)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
