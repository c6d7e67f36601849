package dispatch

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignArchived  = "archived"
)

// Membership statuses. A member is claimed into "sending" for the duration
// of one dispatch attempt; crashes are healed by the stale-claim sweep.
const (
	MemberPending = "pending"
	MemberSending = "sending"
	MemberSent    = "sent"
	MemberSkipped = "skipped"
	MemberFailed  = "failed"
)

// Campaign is one bulk-send campaign.
type Campaign struct {
	ID              uuid.UUID
	Name            string
	Status          string
	MessageTemplate string
	TemplateB       sql.NullString
	IsABTest        bool
	SplitRatio      float64
	DailyCap        sql.NullInt64
	ScheduledAt     sql.NullTime
	WinnerVariant   sql.NullString
}

// Member is one recipient's membership in a campaign.
type Member struct {
	ID              uuid.UUID
	CampaignID      uuid.UUID
	RecipientID     uuid.UUID
	Phone           string
	Fields          map[string]any
	OptedOut        bool
	LastContactedAt sql.NullTime
	Status          string
	Variant         sql.NullString
	Attempts        int
	SentAt          sql.NullTime
}

// EffectiveDailyCap returns the campaign's cap override or the engine
// default.
func (c *Campaign) EffectiveDailyCap(defaultCap int) int {
	if c.DailyCap.Valid && c.DailyCap.Int64 > 0 {
		return int(c.DailyCap.Int64)
	}
	return defaultCap
}

// TemplateFor returns the message template for the given variant. Once a
// winner is declared, every send uses the winning template.
func (c *Campaign) TemplateFor(variant string) string {
	if c.WinnerVariant.Valid {
		variant = c.WinnerVariant.String
	}
	if variant == "B" && c.TemplateB.Valid && c.TemplateB.String != "" {
		return c.TemplateB.String
	}
	return c.MessageTemplate
}

// RecontactViolated reports whether sending now would violate the minimum
// re-contact interval for this member.
func (m *Member) RecontactViolated(minInterval time.Duration, now time.Time) bool {
	return m.LastContactedAt.Valid && now.Sub(m.LastContactedAt.Time) < minInterval
}
