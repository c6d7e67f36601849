package ingest

import (
	"errors"
	"io"
	"log"
	"net/http"
)

// SignatureHeader carries the provider's HMAC over the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// Receiver is the HTTP entry point for provider webhooks.
//
// Invalid signatures get 401 and are not recorded. Anything else gets 200:
// a valid-but-unprocessable payload is accepted and queued for retry, never
// bounced, to avoid provider redelivery storms.
type Receiver struct {
	ingestor *Ingestor
}

// NewReceiver creates the webhook HTTP handler.
func NewReceiver(ingestor *Ingestor) *Receiver {
	return &Receiver{ingestor: ingestor}
}

// Stats exposes the ingestor's counters.
func (rc *Receiver) Stats() map[string]int64 {
	return rc.ingestor.Stats()
}

// HandleWebhook implements the inbound webhook endpoint.
func (rc *Receiver) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	err = rc.ingestor.Ingest(r.Context(), body, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, ErrBadSignature):
		// Not an application error: noise from misconfigured or hostile
		// callers. Rejected without logging a stack.
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	case errors.Is(err, ErrMalformedEnvelope):
		http.Error(w, "malformed envelope", http.StatusBadRequest)
	case err != nil:
		// Storage-level failure. The provider will redeliver, and the
		// event_id guard makes that safe.
		log.Printf("[Ingest] Ingestion error: %v", err)
		http.Error(w, "ingestion failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}
