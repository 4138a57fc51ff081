// Command sandcastle-code-interpreter serves the code_interpreter MCP tool
// over stdio. Logs go to stderr so they never mix with the protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/sandcastle/internal/config"
	"github.com/michaelbrown/sandcastle/internal/logging"
	"github.com/michaelbrown/sandcastle/internal/sandbox"
	"github.com/michaelbrown/sandcastle/internal/storage/sqlite"
	"github.com/michaelbrown/sandcastle/internal/tools"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "code-interpreter: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SANDCASTLE_CONFIG"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.Stderr(cfg.Logging())
	if err != nil {
		return err
	}

	defaults, err := sandbox.LoadDefaultFiles(cfg.Sandbox.DefaultFilesDir)
	if err != nil {
		return fmt.Errorf("loading default files: %w", err)
	}

	policy := cfg.Policy()
	opts := []sandbox.ManagerOption{sandbox.WithLogger(logging.Component(&logger, "manager"))}
	if cfg.Storage.DBPath != "" {
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer store.Close()
		opts = append(opts, sandbox.WithRecorder(store))
	}

	m := sandbox.NewManager(sandbox.NewBootstrapper(policy, defaults, logging.Component(&logger, "bootstrap")), policy, opts...)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Close(ctx)
	}()
	if err := m.Create(context.Background()); err != nil {
		return fmt.Errorf("starting sandbox: %w", err)
	}

	go func() {
		for err := range m.Errors() {
			logger.Error().Err(err).Msg("sandbox recycle failed")
		}
	}()

	return server.ServeStdio(tools.NewServer(m, version))
}
