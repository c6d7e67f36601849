package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/sms-relay/internal/provider"
)

type stubSender struct {
	results []*provider.SendResult
	errs    []error
	calls   int
}

func (s *stubSender) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return &provider.SendResult{MessageID: "MSG"}, nil
}

func newTestDispatcher(t *testing.T, sender provider.Sender) (*Dispatcher, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	d := NewDispatcher(NewRepo(db), sender, nil, "+15550000000",
		50, 125, 3, 30, time.Minute)
	return d, mock, func() { db.Close() }
}

func memberRows(members ...Member) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "recipient_id", "phone", "fields",
		"opted_out", "last_contacted_at", "status", "variant", "attempts", "sent_at",
	})
	for _, m := range members {
		rows.AddRow(m.ID.String(), m.CampaignID.String(), m.RecipientID.String(), m.Phone, `{}`,
			m.OptedOut, m.LastContactedAt, MemberSending, m.Variant, m.Attempts, m.SentAt)
	}
	return rows
}

func TestDispatchSkipsOptedOutMembers(t *testing.T) {
	sender := &stubSender{}
	d, mock, cleanup := newTestDispatcher(t, sender)
	defer cleanup()

	campaign := Campaign{ID: uuid.New(), Status: CampaignRunning, MessageTemplate: "hi"}
	optedOut := Member{ID: uuid.New(), CampaignID: campaign.ID, RecipientID: uuid.New(),
		Phone: "+15551112222", OptedOut: true}
	recent := Member{ID: uuid.New(), CampaignID: campaign.ID, RecipientID: uuid.New(),
		Phone:           "+15553334444",
		LastContactedAt: sql.NullTime{Time: time.Now().Add(-24 * time.Hour), Valid: true}}

	mock.ExpectQuery(`UPDATE campaign_members`).WillReturnRows(memberRows(optedOut, recent))
	mock.ExpectExec(`UPDATE campaign_members`).WillReturnResult(sqlmock.NewResult(0, 1)) // opted_out skip
	mock.ExpectExec(`UPDATE campaign_members`).WillReturnResult(sqlmock.NewResult(0, 1)) // recontact skip

	d.dispatchCampaign(context.Background(), campaign)

	if sender.calls != 0 {
		t.Errorf("no sends expected, provider called %d times", sender.calls)
	}
	if d.Stats()["skipped"] != 2 {
		t.Errorf("skipped = %d, want 2", d.Stats()["skipped"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestDispatchSendsAndMarksSent(t *testing.T) {
	sender := &stubSender{results: []*provider.SendResult{{MessageID: "OP123"}}}
	d, mock, cleanup := newTestDispatcher(t, sender)
	defer cleanup()

	campaign := Campaign{ID: uuid.New(), Status: CampaignRunning, MessageTemplate: "Hi {{ first_name }}"}
	m := Member{ID: uuid.New(), CampaignID: campaign.ID, RecipientID: uuid.New(), Phone: "+15551112222"}

	mock.ExpectQuery(`UPDATE campaign_members`).WillReturnRows(memberRows(m))
	// Database cap fallback: usage query, then the MarkSent transaction.
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM campaign_members`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE campaign_members`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d.dispatchCampaign(context.Background(), campaign)

	if sender.calls != 1 {
		t.Fatalf("provider called %d times, want 1", sender.calls)
	}
	if d.Stats()["sent"] != 1 {
		t.Errorf("sent = %d, want 1", d.Stats()["sent"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestDispatchDefersWhenCapReached(t *testing.T) {
	sender := &stubSender{}
	d, mock, cleanup := newTestDispatcher(t, sender)
	defer cleanup()

	campaign := Campaign{ID: uuid.New(), Status: CampaignRunning, MessageTemplate: "hi"}
	m := Member{ID: uuid.New(), CampaignID: campaign.ID, RecipientID: uuid.New(), Phone: "+15551112222"}

	mock.ExpectQuery(`UPDATE campaign_members`).WillReturnRows(memberRows(m))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM campaign_members`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(125)) // at cap
	mock.ExpectExec(`UPDATE campaign_members`).WillReturnResult(sqlmock.NewResult(0, 1)) // release

	d.dispatchCampaign(context.Background(), campaign)

	if sender.calls != 0 {
		t.Errorf("no sends expected at cap, provider called %d times", sender.calls)
	}
	if d.Stats()["cap_deferred"] != 1 {
		t.Errorf("cap_deferred = %d, want 1", d.Stats()["cap_deferred"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestDispatchMarksFailedAfterRetries(t *testing.T) {
	permErr := &provider.APIError{StatusCode: 400, Body: "invalid destination"}
	sender := &stubSender{errs: []error{permErr}}
	d, mock, cleanup := newTestDispatcher(t, sender)
	defer cleanup()

	campaign := Campaign{ID: uuid.New(), Status: CampaignRunning, MessageTemplate: "hi"}
	m := Member{ID: uuid.New(), CampaignID: campaign.ID, RecipientID: uuid.New(), Phone: "+15551112222"}

	mock.ExpectQuery(`UPDATE campaign_members`).WillReturnRows(memberRows(m))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM campaign_members`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`UPDATE campaign_members`).WillReturnResult(sqlmock.NewResult(0, 1)) // failed

	d.dispatchCampaign(context.Background(), campaign)

	if sender.calls != 1 {
		t.Errorf("non-retryable error must not be retried, provider called %d times", sender.calls)
	}
	if d.Stats()["failed"] != 1 {
		t.Errorf("failed = %d, want 1", d.Stats()["failed"])
	}
}

func TestSendWithRetriesRecoversFromTransientError(t *testing.T) {
	transient := &provider.APIError{StatusCode: 503, Body: "try later"}
	sender := &stubSender{
		errs:    []error{transient, nil},
		results: []*provider.SendResult{nil, {MessageID: "OK"}},
	}
	d, _, cleanup := newTestDispatcher(t, sender)
	defer cleanup()

	result, attempts, err := d.sendWithRetries(context.Background(), provider.SendRequest{To: "+1555"})
	if err != nil {
		t.Fatalf("sendWithRetries() error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if result.MessageID != "OK" {
		t.Errorf("MessageID = %q", result.MessageID)
	}
}

func TestSendWithRetriesGivesUp(t *testing.T) {
	transient := &provider.APIError{StatusCode: 500, Body: "broken"}
	sender := &stubSender{errs: []error{transient, transient, transient}}
	d, _, cleanup := newTestDispatcher(t, sender)
	defer cleanup()

	_, attempts, err := d.sendWithRetries(context.Background(), provider.SendRequest{To: "+1555"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("error should carry the provider failure: %v", err)
	}
}
