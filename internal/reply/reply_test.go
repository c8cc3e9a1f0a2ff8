package reply

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/eventlog"
	"github.com/ignite/campaign-engine/internal/ledgerstore"
	"github.com/ignite/campaign-engine/internal/replystore"
)

func TestParsePlusAddress(t *testing.T) {
	campaignID, contactID, err := ParsePlusAddress("launch+camp-1+contact-9@example.com")
	require.NoError(t, err)
	assert.Equal(t, "camp-1", campaignID)
	assert.Equal(t, "contact-9", contactID)
}

func TestParsePlusAddress_NoMatch(t *testing.T) {
	_, _, err := ParsePlusAddress("plain@example.com")
	assert.ErrorIs(t, err, ErrNoCorrelation)
}

func TestFingerprint_PrefersMessageID(t *testing.T) {
	in := Inbound{MessageID: "abc-123", From: "a@b.com", To: "c@d.com", Subject: "s", Text: "t"}
	assert.Equal(t, "abc-123", Fingerprint(in))
}

func TestFingerprint_StableOverIdenticalContent(t *testing.T) {
	in := Inbound{From: "a@b.com", To: "c@d.com", Subject: "s", Text: "t"}
	assert.Equal(t, Fingerprint(in), Fingerprint(in))
}

func newTestCorrelator(t *testing.T) (*Correlator, sqlmock.Sqlmock, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	replyDB, replyMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { replyDB.Close() })

	ledgerDB, ledgerMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { ledgerDB.Close() })

	eventDB, eventMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { eventDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	c := New(replystore.New(replyDB), ledgerstore.New(ledgerDB), eventlog.New(eventDB), eventbus.New(rdb))
	return c, replyMock, ledgerMock, eventMock
}

func TestIngest_NewReplyUpdatesLedgerAndEvents(t *testing.T) {
	c, replyMock, ledgerMock, eventMock := newTestCorrelator(t)

	replyMock.ExpectExec("INSERT INTO replies").WillReturnResult(sqlmock.NewResult(0, 1))
	eventMock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1))
	ledgerMock.ExpectExec("UPDATE ledger_rows").WithArgs("camp-1", "contact-9", sqlmock.AnyArg(), "sounds good").WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := c.Ingest(context.Background(), Inbound{
		From:    "launch+camp-1+contact-9@example.com",
		To:      "launch+camp-1+contact-9@example.com",
		Subject: "Re: hello",
		Text:    "sounds good",
	})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "camp-1", result.Reply.CampaignID)
	assert.Equal(t, "contact-9", result.Reply.ContactID)
	require.NoError(t, replyMock.ExpectationsWereMet())
	require.NoError(t, eventMock.ExpectationsWereMet())
	require.NoError(t, ledgerMock.ExpectationsWereMet())
}

func TestIngest_DuplicateFingerprintShortCircuits(t *testing.T) {
	c, replyMock, _, _ := newTestCorrelator(t)

	replyMock.ExpectExec("INSERT INTO replies").WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "contact_id", "fingerprint", "message_id",
		"from_address", "to_address", "subject", "text_body", "html_body", "created_at",
	}).AddRow(
		"reply-1", "camp-1", "contact-9", "fp-1", nil,
		"a@b.com", "launch+camp-1+contact-9@example.com", "s", "t", nil, time.Now(),
	)
	replyMock.ExpectQuery("SELECT id, campaign_id").WillReturnRows(rows)

	result, err := c.Ingest(context.Background(), Inbound{
		MessageID: "fp-1",
		From:      "a@b.com",
		To:        "launch+camp-1+contact-9@example.com",
		Subject:   "s",
		Text:      "t",
	})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "reply-1", result.Reply.ID)
	require.NoError(t, replyMock.ExpectationsWereMet())
}

func TestIngest_NoCorrelation(t *testing.T) {
	c, _, _, _ := newTestCorrelator(t)
	_, err := c.Ingest(context.Background(), Inbound{From: "a@b.com", To: "plain@example.com"})
	assert.ErrorIs(t, err, ErrNoCorrelation)
}
