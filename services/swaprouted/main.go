package swaprouted

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"swaproute/config"
	"swaproute/native/router"
	"swaproute/observability/logging"
	"swaproute/storage"
)

// Main initialises and runs the swap router daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/swaprouted/config.toml", "path to swaprouted configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SWAPROUTE_ENV"))
	logger := logging.Setup("swaprouted", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	catalog, err := LoadCatalog(cfg.MarketCatalog)
	if err != nil {
		return fmt.Errorf("load market catalog: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store := router.NewOperationStore(db)
	calls := NewCallBook(logger)
	transfers := NewTransferLog(logger, 1024)
	pauses := newPauseState(cfg.PauseOnStart)

	engine := router.NewEngine()
	engine.SetState(store)
	engine.SetMarketCaller(calls)
	engine.SetTransferSink(transfers)
	engine.SetPauses(pauses)
	engine.SetEmitter(newEventSink(logger))
	if cfg.FeeBps > 0 {
		collector, err := config.ParseAddress(cfg.FeeCollector)
		if err != nil {
			return fmt.Errorf("parse fee collector: %w", err)
		}
		if err := engine.SetFeePolicy(cfg.FeeBps, collector); err != nil {
			return fmt.Errorf("set fee policy: %w", err)
		}
	}

	server := NewServer(engine, store, calls, transfers, catalog, pauses, cfg.Quota, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		log.Printf("swaprouted listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
