package main

import (
	"context"
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/sandcastle/internal/config"
	"github.com/michaelbrown/sandcastle/internal/logging"
	"github.com/michaelbrown/sandcastle/internal/sandbox"
	"github.com/michaelbrown/sandcastle/internal/storage/sqlite"
)

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "sandcastle",
	Short: "Sandcastle - disposable sandboxes for untrusted scripts",
	Long: heredoc.Doc(`
		Sandcastle runs Python-like scripts in isolated, in-memory environments.

		Every request gets a freshly bootstrapped environment with its own home
		directory. Input files are written in, the script runs, and any new files
		it leaves behind come back with its output. The environment is then thrown
		away and a new one is prepared in the background.
	`),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./sandcastle.yaml or ~/.sandcastle/sandcastle.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (trace, debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zerolog.Logger, error) {
	logger, err := logging.Stderr(cfg.Logging())
	if err != nil {
		return nil, err
	}
	return &logger, nil
}

// engine bundles a running manager with the journal it records into.
type engine struct {
	*sandbox.Manager
	store *sqlite.SQLiteStore
}

// startEngine bootstraps the first environment. The caller must Close
// the returned engine.
func startEngine(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*engine, error) {
	defaults, err := sandbox.LoadDefaultFiles(cfg.Sandbox.DefaultFilesDir)
	if err != nil {
		return nil, fmt.Errorf("loading default files: %w", err)
	}

	policy := cfg.Policy()
	bootstrapper := sandbox.NewBootstrapper(policy, defaults, logging.Component(logger, "bootstrap"))
	opts := []sandbox.ManagerOption{sandbox.WithLogger(logging.Component(logger, "manager"))}

	e := &engine{}
	if cfg.Storage.DBPath != "" {
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		e.store = store
		opts = append(opts, sandbox.WithRecorder(store))
	}

	e.Manager = sandbox.NewManager(bootstrapper, policy, opts...)
	if err := e.Manager.Create(ctx); err != nil {
		e.Close(context.Background())
		return nil, err
	}
	return e, nil
}

// Close stops the manager first so pending journal writes land.
func (e *engine) Close(ctx context.Context) error {
	err := e.Manager.Close(ctx)
	if e.store != nil {
		if cerr := e.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
