package control

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/campaignstore"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/finalize"
	"github.com/ignite/campaign-engine/internal/ledgerstore"
	"github.com/ignite/campaign-engine/internal/metacache"
	"github.com/ignite/campaign-engine/internal/queue"
)

func newTestPlane(t *testing.T) (*Plane, sqlmock.Sqlmock, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	campDB, campMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { campDB.Close() })

	ledgerDB, ledgerMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { ledgerDB.Close() })

	queueDB, queueMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { queueDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	campaigns := campaignstore.New(campDB)
	ledger := ledgerstore.New(ledgerDB)
	cache := metacache.New(rdb)
	bus := eventbus.New(rdb)

	p := &Plane{
		Campaigns:   campaigns,
		Ledger:      ledger,
		Queue:       queue.New(queueDB),
		Cache:       cache,
		Bus:         bus,
		Finalizer:   finalize.New(campaigns, ledger, cache, bus),
		RedisClient: rdb,
		MaxAttempts: 3,
	}
	return p, campMock, ledgerMock, queueMock
}

func TestPause_SetsStatus(t *testing.T) {
	p, campMock, _, _ := newTestPlane(t)
	campMock.ExpectExec("UPDATE campaigns SET status").WithArgs("camp-1", domain.CampaignPaused).WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.Pause(context.Background(), "camp-1")
	require.NoError(t, err)
	require.NoError(t, campMock.ExpectationsWereMet())
}

func TestCancel_CancelsPendingRemovesJobsPublishes(t *testing.T) {
	p, campMock, ledgerMock, queueMock := newTestPlane(t)

	campMock.ExpectExec("UPDATE campaigns SET status").WithArgs("camp-1", domain.CampaignCancelled).WillReturnResult(sqlmock.NewResult(0, 1))
	ledgerMock.ExpectExec("UPDATE ledger_rows").WithArgs("camp-1").WillReturnResult(sqlmock.NewResult(0, 3))
	queueMock.ExpectExec("DELETE FROM delivery_jobs").WithArgs("camp-1").WillReturnResult(sqlmock.NewResult(0, 2))

	err := p.Cancel(context.Background(), "camp-1")
	require.NoError(t, err)
	require.NoError(t, campMock.ExpectationsWereMet())
	require.NoError(t, ledgerMock.ExpectationsWereMet())
	require.NoError(t, queueMock.ExpectationsWereMet())
}

func TestDelete_RequiresConfirm(t *testing.T) {
	p, _, _, _ := newTestPlane(t)
	err := p.Delete(context.Background(), "camp-1", false)
	assert.ErrorIs(t, err, ErrConfirmRequired)
}

func TestDelete_RefusesWhileRunning(t *testing.T) {
	p, campMock, _, _ := newTestPlane(t)

	rows := sqlmock.NewRows([]string{
		"name", "status", "from_name", "from_email", "tracking_domain",
		"initial", "follow_ups", "intended", "processed", "sent", "failed",
		"started_at", "completed_at", "created_at", "updated_at",
	}).AddRow(
		"Launch", domain.CampaignRunning, "Team", "team@example.com", "track.example.com",
		`{}`, `[]`, 10, 0, 0, 0,
		time.Now(), nil, time.Now(), time.Now(),
	)
	campMock.ExpectQuery("SELECT name, status").WithArgs("camp-1").WillReturnRows(rows)

	err := p.Delete(context.Background(), "camp-1", true)
	assert.ErrorIs(t, err, ErrDeleteWhileRunning)
}

func TestRetryContact_NotEligible(t *testing.T) {
	p, _, ledgerMock, _ := newTestPlane(t)

	rows := sqlmock.NewRows([]string{
		"campaign_id", "contact_id", "email", "status", "attempts", "bg_attempts",
		"current_step_index", "current_step_attempts", "current_step_bg_attempts",
		"last_attempt_at", "last_error", "opened_at", "last_click_at", "last_activity_at",
		"replied", "replies_count", "last_reply_at", "last_reply_snippet",
		"follow_up_plan", "created_at", "updated_at",
	}).AddRow(
		"camp-1", "contact-1", "a@example.com", domain.LedgerPending, 0, 0,
		-1, 0, 0,
		nil, "", nil, nil, nil,
		false, 0, nil, "",
		"[]", time.Now(), time.Now(),
	)
	ledgerMock.ExpectQuery("SELECT campaign_id, contact_id").WithArgs("camp-1", "contact-1").WillReturnRows(rows)

	err := p.RetryContact(context.Background(), "camp-1", "contact-1")
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestRetryContact_Eligible_ResetsAndEnqueues(t *testing.T) {
	p, _, ledgerMock, queueMock := newTestPlane(t)

	rows := sqlmock.NewRows([]string{
		"campaign_id", "contact_id", "email", "status", "attempts", "bg_attempts",
		"current_step_index", "current_step_attempts", "current_step_bg_attempts",
		"last_attempt_at", "last_error", "opened_at", "last_click_at", "last_activity_at",
		"replied", "replies_count", "last_reply_at", "last_reply_snippet",
		"follow_up_plan", "created_at", "updated_at",
	}).AddRow(
		"camp-1", "contact-1", "a@example.com", domain.LedgerFailed, 1, 3,
		-1, 3, 3,
		nil, "550 no such user", nil, nil, nil,
		false, 0, nil, "",
		"[]", time.Now(), time.Now(),
	)
	ledgerMock.ExpectQuery("SELECT campaign_id, contact_id").WithArgs("camp-1", "contact-1").WillReturnRows(rows)
	ledgerMock.ExpectExec("UPDATE ledger_rows").WithArgs("camp-1", "contact-1").WillReturnResult(sqlmock.NewResult(0, 1))
	queueMock.ExpectExec("INSERT INTO delivery_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.RetryContact(context.Background(), "camp-1", "contact-1")
	require.NoError(t, err)
	require.NoError(t, ledgerMock.ExpectationsWereMet())
	require.NoError(t, queueMock.ExpectationsWereMet())
}

func TestReconcile_FinalizesCompletedCampaign(t *testing.T) {
	p, campMock, ledgerMock, _ := newTestPlane(t)

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("sent", 2).
		AddRow("failed", 1)
	ledgerMock.ExpectQuery("SELECT status, COUNT").WithArgs("camp-1").WillReturnRows(rows)
	campMock.ExpectExec("UPDATE campaigns").
		WithArgs("camp-1", domain.CampaignCompletedWithFailures, 3, 2, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.Reconcile(context.Background(), "camp-1")
	require.NoError(t, err)
	require.NoError(t, campMock.ExpectationsWereMet())
	require.NoError(t, ledgerMock.ExpectationsWereMet())
}
