package eventlog

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

func TestAppend_AssignsIDAndInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	evt := &domain.CampaignEvent{CampaignID: "camp-1", ContactID: "contact-1", Type: domain.EventOpen}
	err = s.Append(context.Background(), evt)
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").WithArgs("camp-1", "contact-1", domain.EventOpen).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	s := New(db)
	n, err := s.CountByType(context.Background(), "camp-1", "contact-1", domain.EventOpen)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
