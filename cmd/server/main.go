// Headroom: automated resource-capacity governance.
//
// This is the main entry point for the Headroom server. It runs:
//   - the monitor → predict → decide → act governance loop
//   - the action coordinator (increases, tickets, approvals, audit)
//   - the cross-region capacity pool with reservation sweeping
//   - the HTTP API (handles, policies, actions, audit, pools, channels)
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/headroomhq/headroom/pkg/server"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("Headroom governance engine starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer srv.Store.Close()
	defer srv.ShutdownFunc(context.Background())

	// Background loops stop when the signal context ends.
	go srv.Engine.Run(ctx)
	go srv.Pools.RunSweeper(ctx, srv.Config.Pool.SweepInterval)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Config.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Config.Port).
		Msg("Headroom is up")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
