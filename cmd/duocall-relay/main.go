// Command duocall-relay is the development backend: the signaling relay,
// chat delivery and history, matchmaking, and the friend store on one
// listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/duovoice/duocall/internal/config"
	"github.com/duovoice/duocall/internal/metrics"
	"github.com/duovoice/duocall/internal/relayserver"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	store, err := relayserver.OpenStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(2)
	}
	defer store.Close()

	srv := relayserver.New(relayserver.Config{
		Store:   store,
		Logger:  logger,
		Metrics: metrics.New(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting duocall-relay",
		"listen_addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
	)

	if err := relayserver.ListenAndServe(ctx, cfg.ListenAddr, srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}
