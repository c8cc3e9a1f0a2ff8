package control

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

func TestStart_NoRecipients(t *testing.T) {
	p, _, _, _ := newTestPlane(t)
	_, err := p.Start(context.Background(), StartRequest{Name: "empty"})
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestStart_CreatesCampaignLedgerRowsAndJobs(t *testing.T) {
	p, campMock, ledgerMock, queueMock := newTestPlane(t)

	campMock.ExpectExec("INSERT INTO campaigns").WillReturnResult(sqlmock.NewResult(0, 1))
	campMock.ExpectQuery("SELECT name, status").WillReturnRows(sqlmock.NewRows([]string{
		"name", "status", "from_name", "from_email", "tracking_domain",
		"initial", "follow_ups", "intended", "processed", "sent", "failed",
		"started_at", "completed_at", "created_at", "updated_at",
	}).AddRow(
		"welcome", domain.CampaignRunning, "Acme", "hi@acme.test", "track.acme.test",
		`{"subject":"hi","body":"there"}`, `[]`, 2, 0, 0, 0,
		nil, nil, time.Now(), time.Now(),
	))

	ledgerMock.ExpectExec("INSERT INTO ledger_rows").WithArgs(sqlmock.AnyArg(), "c1", "a@example.com").WillReturnResult(sqlmock.NewResult(0, 1))
	ledgerMock.ExpectExec("INSERT INTO ledger_rows").WithArgs(sqlmock.AnyArg(), "c2", "b@example.com").WillReturnResult(sqlmock.NewResult(0, 1))
	queueMock.ExpectExec("INSERT INTO delivery_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	queueMock.ExpectExec("INSERT INTO delivery_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := p.Start(context.Background(), StartRequest{
		Name:      "welcome",
		FromName:  "Acme",
		FromEmail: "hi@acme.test",
		Initial:   domain.StepContent{Subject: "hi", Body: "there"},
		Recipients: []domain.Contact{
			{ID: "c1", Email: "a@example.com"},
			{ID: "c2", Email: "b@example.com"},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, campMock.ExpectationsWereMet())
	require.NoError(t, ledgerMock.ExpectationsWereMet())
	require.NoError(t, queueMock.ExpectationsWereMet())
}
