package ingest

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// DeliveryRepo persists delivery records. Both webhook ingestion and the
// reconciliation gap-fill write here; the unique constraint on
// provider_message_id arbitrates the race.
type DeliveryRepo struct {
	db *sql.DB
}

// NewDeliveryRepo creates a delivery record repository.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo {
	return &DeliveryRepo{db: db}
}

// Upsert inserts a delivery record, or updates status and conversation on an
// existing one keyed by provider_message_id. Handlers tolerate out-of-order
// delivery by always upserting rather than assuming a prior record exists.
func (r *DeliveryRepo) Upsert(ctx context.Context, ex Execer, rec DeliveryRecord) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO delivery_records (provider_message_id, conversation_id, direction, status, recipient, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (provider_message_id) DO UPDATE
		SET status = EXCLUDED.status,
		    conversation_id = COALESCE(NULLIF(EXCLUDED.conversation_id, ''), delivery_records.conversation_id),
		    updated_at = NOW()
	`, rec.ProviderMessageID, rec.ConversationID, rec.Direction, rec.Status, rec.Recipient)
	return err
}

// InsertIfMissing inserts a delivery record only when no record with the
// same provider_message_id exists, and never overwrites locally-recorded
// state. Used by reconciliation gap-fill. Returns true when a row was
// actually inserted.
func (r *DeliveryRepo) InsertIfMissing(ctx context.Context, rec DeliveryRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_records (provider_message_id, conversation_id, direction, status, recipient, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (provider_message_id) DO NOTHING
	`, rec.ProviderMessageID, rec.ConversationID, rec.Direction, rec.Status, rec.Recipient)
	if err != nil {
		// A concurrent insert can still surface a unique violation when the
		// conflict target is a partial index; treat it as "already exists".
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Exists reports whether a record with the given provider message ID is
// already present.
func (r *DeliveryRepo) Exists(ctx context.Context, providerMessageID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_records WHERE provider_message_id = $1`,
		providerMessageID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountSince returns how many delivery records were created after the given
// cutoff, used by the admin dashboard.
func (r *DeliveryRepo) CountSince(ctx context.Context, cutoff string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_records WHERE created_at >= NOW() - $1::interval`,
		cutoff).Scan(&n)
	return n, err
}
