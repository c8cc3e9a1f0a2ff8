package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/campaignstore"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/control"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/eventlog"
	"github.com/ignite/campaign-engine/internal/finalize"
	"github.com/ignite/campaign-engine/internal/ledgerstore"
	"github.com/ignite/campaign-engine/internal/metacache"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/reply"
	"github.com/ignite/campaign-engine/internal/replystore"
	"github.com/ignite/campaign-engine/internal/tracking"
)

// checkPortAvailable verifies that the target port is not already in use,
// so a stale process never masquerades as a healthy restart.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	logger.Info("campaign-engine server starting")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		logger.Error("pre-flight port check failed", "error", err.Error())
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("failed to ping database", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("connected to database")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	redisCtx, redisCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer redisCancel()
	if err := rdb.Ping(redisCtx).Err(); err != nil {
		logger.Error("failed to ping redis", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("connected to redis")

	campaigns := campaignstore.New(db)
	ledger := ledgerstore.New(db)
	events := eventlog.New(db)
	q := queue.New(db)
	cache := metacache.New(rdb)
	bus := eventbus.New(rdb)

	plane := &control.Plane{
		Campaigns:   campaigns,
		Ledger:      ledger,
		Queue:       q,
		Cache:       cache,
		Bus:         bus,
		Finalizer:   finalize.New(campaigns, ledger, cache, bus),
		RedisClient: rdb,
		DB:          db,
		MaxAttempts: cfg.Worker.MaxAttempts,
	}

	trackingHandler := tracking.NewHandler(ledger, events, cache, bus)
	replyCorrelator := reply.New(replystore.New(db), ledger, events, bus)
	replyHandler := reply.NewHandler(replyCorrelator, cfg.Reply.WebhookSecret)

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", reply.WebhookSecretHeader},
		AllowCredentials: false,
	}))

	router.Route("/api", func(r chi.Router) {
		r.Mount("/track", trackingHandler.Routes())
		r.Post("/reply/webhook", replyHandler.ServeWebhook)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", handleStart(plane))
			r.Get("/{campaignId}", handleGet(campaigns))
			r.Get("/{campaignId}/stream", handleStream(bus))
			r.Post("/{campaignId}/pause", handlePause(plane))
			r.Post("/{campaignId}/resume", handleResume(plane))
			r.Post("/{campaignId}/cancel", handleCancel(plane))
			r.Delete("/{campaignId}", handleDelete(plane))
			r.Post("/{campaignId}/retry-failed", handleRetryFailed(plane))
			r.Post("/{campaignId}/contacts/{contactId}/retry", handleRetryContact(plane))
			r.Post("/{campaignId}/reconcile", handleReconcile(plane))
		})
	})
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.OK(w, map[string]string{"status": "ok"})
	})

	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: router}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err.Error())
	}
	logger.Info("server stopped")
}

func handleStart(plane *control.Plane) http.HandlerFunc {
	type recipient struct {
		ContactID string `json:"contactId"`
		Email     string `json:"email"`
		FirstName string `json:"firstName,omitempty"`
		LastName  string `json:"lastName,omitempty"`
	}
	type request struct {
		Name           string                `json:"name"`
		FromName       string                `json:"fromName"`
		FromEmail      string                `json:"fromEmail"`
		TrackingDomain string                `json:"trackingDomain"`
		Initial        domain.StepContent    `json:"initial"`
		FollowUps      []domain.FollowUpDef  `json:"followUps"`
		Recipients     []recipient           `json:"recipients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !httputil.Decode(w, r, &req) {
			return
		}
		recipients := make([]domain.Contact, len(req.Recipients))
		for i, rc := range req.Recipients {
			recipients[i] = domain.Contact{ID: rc.ContactID, Email: rc.Email, FirstName: rc.FirstName, LastName: rc.LastName}
		}
		id, err := plane.Start(r.Context(), control.StartRequest{
			Name:           req.Name,
			FromName:       req.FromName,
			FromEmail:      req.FromEmail,
			TrackingDomain: req.TrackingDomain,
			Initial:        req.Initial,
			FollowUps:      req.FollowUps,
			Recipients:     recipients,
		})
		if err == control.ErrNoRecipients {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.Created(w, map[string]string{"id": id})
	}
}

func handleGet(campaigns *campaignstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		camp, err := campaigns.Get(r.Context(), chi.URLParam(r, "campaignId"))
		if err == campaignstore.ErrNotFound {
			httputil.NotFound(w, "campaign not found")
			return
		}
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.OK(w, camp)
	}
}

func handlePause(plane *control.Plane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := plane.Pause(r.Context(), chi.URLParam(r, "campaignId")); err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.NoContent(w)
	}
}

func handleResume(plane *control.Plane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := plane.Resume(r.Context(), chi.URLParam(r, "campaignId")); err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.NoContent(w)
	}
}

func handleCancel(plane *control.Plane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := plane.Cancel(r.Context(), chi.URLParam(r, "campaignId")); err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.NoContent(w)
	}
}

func handleDelete(plane *control.Plane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		confirm := r.URL.Query().Get("confirm") == "true"
		err := plane.Delete(r.Context(), chi.URLParam(r, "campaignId"), confirm)
		switch err {
		case nil:
			httputil.NoContent(w)
		case control.ErrConfirmRequired, control.ErrDeleteWhileRunning:
			httputil.BadRequest(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
	}
}

func handleReconcile(plane *control.Plane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := plane.Reconcile(r.Context(), chi.URLParam(r, "campaignId")); err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.NoContent(w)
	}
}

func handleRetryFailed(plane *control.Plane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := plane.RetryFailed(r.Context(), chi.URLParam(r, "campaignId"))
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.OK(w, map[string]int{"retried": n})
	}
}

func handleRetryContact(plane *control.Plane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := plane.RetryContact(r.Context(), chi.URLParam(r, "campaignId"), chi.URLParam(r, "contactId"))
		switch err {
		case nil:
			httputil.NoContent(w)
		case control.ErrNotEligible:
			httputil.BadRequest(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
	}
}

// pingInterval is the SSE bridge's heartbeat cadence (spec §6).
const pingInterval = 15 * time.Second

// handleStream forwards campaign:new, campaign:{id}:contact_update and
// campaign:{id}:events as named SSE events, plus a periodic ping, cleaning
// up on client disconnect (spec §6 "Server-Sent-Events bridge").
func handleStream(bus *eventbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID := chi.URLParam(r, "campaignId")
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalError(w, fmt.Errorf("streaming unsupported"))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ctx := r.Context()
		sub := bus.Subscribe(ctx, eventbus.CampaignNewChannel, eventbus.ContactUpdateChannel(campaignID), eventbus.CampaignEventsChannel(campaignID))
		defer sub.Close()

		if backlog, err := bus.ReplayCampaignNew(ctx, 20); err == nil {
			for _, msg := range backlog {
				writeSSE(w, "campaign", msg)
			}
			flusher.Flush()
		}

		ch := sub.Channel()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
				flusher.Flush()
			case msg, more := <-ch:
				if !more {
					return
				}
				eventName := "contact"
				switch msg.Channel {
				case eventbus.CampaignNewChannel:
					eventName = "campaign"
				case eventbus.CampaignEventsChannel(campaignID):
					eventName = "campaign_event"
				}
				writeSSE(w, eventName, []byte(msg.Payload))
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
