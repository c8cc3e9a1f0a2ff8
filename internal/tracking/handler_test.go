package tracking

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/eventlog"
	"github.com/ignite/campaign-engine/internal/ledgerstore"
	"github.com/ignite/campaign-engine/internal/metacache"
	"github.com/ignite/campaign-engine/internal/rewriter"
)

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	ledgerDB, ledgerMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { ledgerDB.Close() })

	eventDB, eventMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { eventDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := NewHandler(ledgerstore.New(ledgerDB), eventlog.New(eventDB), metacache.New(rdb), eventbus.New(rdb))
	return h, ledgerMock, eventMock
}

func TestHandleOpen_ServesPixelAndRecords(t *testing.T) {
	h, ledgerMock, eventMock := newTestHandler(t)
	eventMock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1))
	ledgerMock.ExpectExec("UPDATE ledger_rows").WithArgs("camp-1", "contact-1").WillReturnResult(sqlmock.NewResult(0, 1))

	r := chi.NewRouter()
	r.Mount("/api/track", h.Routes())

	req := httptest.NewRequest(http.MethodGet, "/api/track/open/camp-1/contact-1?t=1234", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, pixelGIF, rec.Body.Bytes())
	require.NoError(t, ledgerMock.ExpectationsWereMet())
	require.NoError(t, eventMock.ExpectationsWereMet())
}

func TestHandleClick_RedirectsToDecodedDestination(t *testing.T) {
	h, ledgerMock, eventMock := newTestHandler(t)

	rows := sqlmock.NewRows([]string{
		"campaign_id", "contact_id", "email", "status", "attempts", "bg_attempts",
		"current_step_index", "current_step_attempts", "current_step_bg_attempts",
		"last_attempt_at", "last_error", "opened_at", "last_click_at", "last_activity_at",
		"replied", "replies_count", "last_reply_at", "last_reply_snippet",
		"follow_up_plan", "created_at", "updated_at",
	}).AddRow(
		"camp-1", "contact-1", "a@example.com", "pending", 0, 0,
		-1, 0, 0,
		nil, "", nil, nil, nil,
		false, 0, nil, "",
		"[]", time.Now(), time.Now(),
	)
	ledgerMock.ExpectQuery("SELECT campaign_id, contact_id").WithArgs("camp-1", "contact-1").WillReturnRows(rows)
	eventMock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1)) // backfilled open
	eventMock.ExpectExec("INSERT INTO campaign_events").WillReturnResult(sqlmock.NewResult(0, 1)) // click
	ledgerMock.ExpectExec("UPDATE ledger_rows").WithArgs("camp-1", "contact-1").WillReturnResult(sqlmock.NewResult(0, 1)) // backfilled open
	ledgerMock.ExpectExec("UPDATE ledger_rows").WithArgs("camp-1", "contact-1").WillReturnResult(sqlmock.NewResult(0, 1)) // click

	r := chi.NewRouter()
	r.Mount("/api/track", h.Routes())

	dest := "https://example.com/landing"
	encoded := rewriter.EncodeClickURL("camp-1", "contact-1", dest, "https://track.example.com")
	// encoded is an absolute URL like https://track.example.com/api/track/click/camp-1/contact-1?u=...&o=1
	query := encoded[len("https://track.example.com/api/track/click/camp-1/contact-1"):]

	req := httptest.NewRequest(http.MethodGet, "/api/track/click/camp-1/contact-1"+query, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, dest, rec.Header().Get("Location"))
	require.NoError(t, ledgerMock.ExpectationsWereMet())
	require.NoError(t, eventMock.ExpectationsWereMet())
}

func TestHandleClick_FallsBackOnUndecodableURL(t *testing.T) {
	h, _, _ := newTestHandler(t)

	r := chi.NewRouter()
	r.Mount("/api/track", h.Routes())

	req := httptest.NewRequest(http.MethodGet, "/api/track/click/camp-1/contact-1?u=!!!not-valid", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, fallbackRedirect, rec.Header().Get("Location"))
}
