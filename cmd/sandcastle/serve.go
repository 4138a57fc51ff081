package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/sandcastle/internal/server"
	"github.com/michaelbrown/sandcastle/internal/storage"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Sandcastle HTTP server",
	Long: heredoc.Doc(`
		Start the Sandcastle HTTP server.

		Endpoints:
		  POST /execute            run one request
		  GET  /ws                 one request per WebSocket message
		  GET  /health             manager state
		  GET  /metrics            Prometheus metrics
		  GET  /api/executions     execution journal (when storage.db_path is set)

		Examples:
		  sandcastle serve
		  sandcastle serve --port 9090
	`),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := startEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting sandbox: %w", err)
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	var store storage.Store
	if eng.store != nil {
		store = eng.store
	}
	srv := server.New(cfg.Server, eng, store, *logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(port)
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-eng.Errors():
				logger.Error().Err(err).Msg("sandbox recycle failed")
			}
		}
	})

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cerr := eng.Close(closeCtx); cerr != nil {
		logger.Warn().Err(cerr).Msg("closing sandbox")
	}
	return err
}
