package replystore

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestInsert_NewRow(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO replies").WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := s.Insert(context.Background(), &domain.Reply{
		CampaignID:  "camp-1",
		ContactID:   "contact-1",
		Fingerprint: "fp-1",
		From:        "a@b.com",
		To:          "c@d.com",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_DuplicateFingerprint(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO replies").WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.Insert(context.Background(), &domain.Reply{Fingerprint: "fp-1"})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestGetByFingerprint_NotFound(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT id, campaign_id").WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.GetByFingerprint(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountForContact(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT COUNT").WithArgs("camp-1", "contact-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.CountForContact(context.Background(), "camp-1", "contact-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
