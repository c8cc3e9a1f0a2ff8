package queue

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_GrowsExponentiallyWithJitter(t *testing.T) {
	d1 := Backoff(1)
	d4 := Backoff(4)

	assert.GreaterOrEqual(t, d1, time.Duration(float64(BackoffBase)*0.8))
	assert.LessOrEqual(t, d1, time.Duration(float64(BackoffBase)*1.2))

	// attempt 4 should be roughly 8x attempt 1's base, well above its jitter ceiling
	assert.Greater(t, d4, d1)
}

func TestEnqueue_InsertsQueuedJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO delivery_jobs").
		WithArgs(sqlmock.AnyArg(), "camp-1", "contact-1", "initial", -1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	q := New(db)
	id, err := q.Enqueue(context.Background(), "camp-1", "contact-1", "initial", -1, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_ScansReturnedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "campaign_id", "contact_id", "kind", "step_index", "attempts_made", "max_attempts", "status"}).
		AddRow("job-1", "camp-1", "contact-1", "initial", -1, 0, 3, "claimed")
	mock.ExpectQuery("WITH claimed AS").WithArgs("worker-1", 10).WillReturnRows(rows)

	q := New(db)
	jobs, err := q.Claim(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, -1, jobs[0].StepIndex)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReschedule_UpdatesAttemptsAndSchedule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE delivery_jobs").
		WithArgs("job-1", 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := New(db)
	require.NoError(t, q.Reschedule(context.Background(), "job-1", 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove_DeletesQueuedAndClaimedOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM delivery_jobs").
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	q := New(db)
	n, err := q.Remove(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
