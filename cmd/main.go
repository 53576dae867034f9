package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"roomchat/domain"
	"roomchat/engine"
	"roomchat/moderation"
	"roomchat/runtime"
	"roomchat/search"
	"roomchat/storage"
	"roomchat/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components and manages the server lifecycle, so
// every defer (database close, final snapshot) executes before the
// process exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB) & last snapshot
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	store := storage.NewSnapshotStore(db, log)
	snap, err := store.Load()
	if err != nil {
		return fmt.Errorf("snapshot load failed: %w", err)
	}
	log.Info("Snapshot restored", "rooms", len(snap.Rooms), "users", len(snap.Users))

	// 3. Search index & sink fan-out
	index, err := search.Open(config.BlugeFilepath, log)
	if err != nil {
		return fmt.Errorf("search index opening failed: %w", err)
	}
	defer func() { _ = index.Close() }()

	events := make(chan domain.LoggedEvent, config.EventBufferSize)
	fanout := runtime.NewFanout(log, events, index)

	// 4. Engine
	eng := engine.New(log, snap, events).WithSearcher(index)
	if len(config.CensoredWords) > 0 {
		mask, err := CharacterRune(config.CharReplacement)
		if err != nil {
			return err
		}
		censor, err := moderation.New(config.CensoredWords, mask)
		if err != nil {
			return fmt.Errorf("moderation setup failed: %w", err)
		}
		eng.WithCensor(censor.Apply)
	}

	// 5. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := fanout.Run(ctx); err != nil {
			log.Error("Sink fan-out stopped", "err", err)
		}
	}()
	go snapshotLoop(ctx, log, eng, store, config.SnapshotInterval)

	// 6. Websocket endpoint
	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	server := &http.Server{
		Addr:    address,
		Handler: transport.NewServer(log, eng, config.ConnectionBufferSize, config.KeepalivePeriod).Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting websocket server", "address", address, "at", time.Now().UTC())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("websocket server error: %w", err)
		}
	}()

	// 7. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	// 8. Final Cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if err := store.Save(eng.Snapshot()); err != nil {
		return fmt.Errorf("final snapshot failed: %w", err)
	}
	log.Info("Program stopped cleanly")

	return nil
}

// snapshotLoop persists the engine state on a fixed cadence, so a crash
// loses at most one interval of history.
func snapshotLoop(ctx context.Context, log *slog.Logger, eng *engine.Engine, store storage.SnapshotStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Save(eng.Snapshot()); err != nil {
				log.Error("Periodic snapshot failed", "err", err)
				continue
			}
			log.Debug("Snapshot saved")
		}
	}
}
