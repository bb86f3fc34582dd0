package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowd/native/escrow"
	"escrowd/observability/logging"
	"escrowd/state"
	"escrowd/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("escrowd", cfg.Environment)

	var db storage.Database
	if cfg.InMemoryState {
		db = storage.NewMemDB()
	} else {
		leveldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			log.Fatalf("open state database: %v", err)
		}
		db = leveldb
	}
	defer db.Close()

	manager := state.NewManager(db)
	recorder := NewEventRecorder(logger, cfg.EventHistorySize)

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(recorder)

	audit, err := NewAuditStore(cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("open audit store: %v", err)
	}
	defer audit.Close()

	server := NewServer(engine, manager, audit, recorder, logger)
	limiter := newRateLimiter(cfg.RequestsPerMinute, cfg.RateBurst)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("escrowd listening", slog.String("address", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrowd")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
}
