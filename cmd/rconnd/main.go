// Command rconnd owns a single reliable connection to a peer and exposes
// its status over HTTP, persists periodic snapshots to SQLite, and emits
// OpenTelemetry metrics, in the same bootstrap style as this codebase's
// other daemons.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/rconn/internal/config"
	"github.com/onkernel/rconn/internal/healthcheck"
	"github.com/onkernel/rconn/internal/logging"
	"github.com/onkernel/rconn/internal/pollloop"
	"github.com/onkernel/rconn/internal/rconn"
	"github.com/onkernel/rconn/internal/statsdb"
	"github.com/onkernel/rconn/internal/telemetry"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("rconnd configuration", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := rconn.New(cfg.TargetAddr, cfg.ProbeInterval, cfg.MaxBackoff)
	rc.SetLogger(slogger)

	db, err := statsdb.Open(cfg.StatsDBPath)
	if err != nil {
		slogger.Error("failed to open stats database", "err", err)
		os.Exit(1)
	}

	metrics, err := telemetry.New(cfg.TargetAddr, rc)
	if err != nil {
		slogger.Error("failed to initialize telemetry", "err", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(logging.AddToContext(req.Context(), slogger)))
			})
		},
	)
	r.Get("/status", statusHandler(rc))
	r.Post("/reconnect", reconnectHandler(rc))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	health := healthcheck.NewServer(cfg.HealthAddr, slogger)
	health.RegisterCheck("connection", func() (healthcheck.Status, string) {
		switch {
		case rc.IsAdmitted():
			return healthcheck.StatusHealthy, "connected and admitted"
		case rc.IsConnected():
			return healthcheck.StatusDegraded, "connected but not yet admitted"
		default:
			return healthcheck.StatusUnhealthy, fmt.Sprintf("state=%s backoff=%ds", rc.GetState(), rc.GetBackoff())
		}
	})
	health.RegisterStats("connection", func() map[string]any {
		return map[string]any{
			"state":                  rc.GetState(),
			"packets_sent":           rc.PacketsSent(),
			"packets_received":       rc.PacketsReceived(),
			"attempted_connections":  rc.GetAttemptedConnections(),
			"successful_connections": rc.GetSuccessfulConnections(),
			"total_time_connected":   rc.GetTotalTimeConnected(),
			"connection_seqno":       rc.GetConnectionSeqno(),
			"backoff_seconds":        rc.GetBackoff(),
		}
	})
	health.Start()

	go func() {
		slogger.Info("http status server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http status server failed", "err", err)
			stop()
		}
	}()

	done := make(chan struct{})
	go runConnectionLoop(ctx, rc, db, metrics, slogger, time.Duration(cfg.MetricsIntervalSec)*time.Second, done)

	<-ctx.Done()
	slogger.Info("shutdown signal received")
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, _ := errgroup.WithContext(shutdownCtx)
	g.Go(func() error { return srv.Shutdown(shutdownCtx) })
	g.Go(func() error { return health.Stop(shutdownCtx) })
	g.Go(func() error { return metrics.Shutdown(shutdownCtx) })
	g.Go(func() error { return db.Close() })
	if err := g.Wait(); err != nil {
		slogger.Error("rconnd failed to shut down cleanly", "err", err)
	}
	rc.Destroy()
}

// runConnectionLoop is the owner loop that drives rc's cooperative state
// machine: Run reacts to whatever happened last tick, Wait/RecvWait
// register what this tick should block on, and Block actually sleeps.
// Every metricsInterval it also records a snapshot and logs a metrics
// dump.
func runConnectionLoop(ctx context.Context, rc *rconn.Rconn, db *statsdb.Store, metrics *telemetry.Metrics, logger *slog.Logger, metricsInterval time.Duration, done chan<- struct{}) {
	defer close(done)
	lastSnapshot := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rc.Run()
		for {
			if buf := rc.Recv(); buf == nil {
				break
			}
		}

		if time.Since(lastSnapshot) >= metricsInterval {
			lastSnapshot = time.Now()
			recordSnapshot(ctx, rc, db, metrics, logger)
		}

		loop := pollloop.New()
		rc.Wait(loop)
		rc.RecvWait(loop)
		if err := loop.Block(); err != nil {
			logger.Warn("poll loop error", "err", err)
		}
	}
}

func recordSnapshot(ctx context.Context, rc *rconn.Rconn, db *statsdb.Store, metrics *telemetry.Metrics, logger *slog.Logger) {
	snap := statsdb.Snapshot{
		RecordedAt:             time.Now(),
		Name:                   rc.GetName(),
		State:                  rc.GetState(),
		Backoff:                rc.GetBackoff(),
		PacketsSent:            rc.PacketsSent(),
		PacketsReceived:        rc.PacketsReceived(),
		AttemptedConnections:   rc.GetAttemptedConnections(),
		SuccessfulConnections:  rc.GetSuccessfulConnections(),
		TotalTimeConnectedSecs: rc.GetTotalTimeConnected(),
		ConnectionSeqno:        rc.GetConnectionSeqno(),
		Admitted:               rc.IsAdmitted(),
		ConnectivityQuestioned: rc.IsConnectivityQuestionable(),
	}
	if err := db.Record(ctx, snap); err != nil {
		logger.Warn("failed to record stats snapshot", "err", err)
	}
	if err := metrics.LogSnapshot(ctx, logger); err != nil {
		logger.Warn("failed to log metrics snapshot", "err", err)
	}
}

type statusResponse struct {
	Name                  string `json:"name"`
	State                 string `json:"state"`
	IsConnected           bool   `json:"is_connected"`
	IsAdmitted            bool   `json:"is_admitted"`
	Backoff               int64  `json:"backoff_seconds"`
	PacketsSent           uint64 `json:"packets_sent"`
	PacketsReceived       uint64 `json:"packets_received"`
	AttemptedConnections  uint64 `json:"attempted_connections"`
	SuccessfulConnections uint64 `json:"successful_connections"`
	TotalTimeConnected    int64  `json:"total_time_connected_seconds"`
	ConnectionSeqno       uint32 `json:"connection_seqno"`
}

func statusHandler(rc *rconn.Rconn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Name:                  rc.GetName(),
			State:                 rc.GetState(),
			IsConnected:           rc.IsConnected(),
			IsAdmitted:            rc.IsAdmitted(),
			Backoff:               rc.GetBackoff(),
			PacketsSent:           rc.PacketsSent(),
			PacketsReceived:       rc.PacketsReceived(),
			AttemptedConnections:  rc.GetAttemptedConnections(),
			SuccessfulConnections: rc.GetSuccessfulConnections(),
			TotalTimeConnected:    rc.GetTotalTimeConnected(),
			ConnectionSeqno:       rc.GetConnectionSeqno(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func reconnectHandler(rc *rconn.Rconn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc.Reconnect()
		w.WriteHeader(http.StatusAccepted)
	}
}
