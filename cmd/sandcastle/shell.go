package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/sandcastle/internal/sandbox"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive prompt; every snippet runs in a fresh sandbox",
	Long: `Start an interactive prompt.

Each submitted snippet is an independent request: variables defined in one
snippet do not exist in the next. A line ending in ":" starts a block that
is submitted after an empty line. A running snippet cannot be cancelled;
Ctrl+C while one runs ends the shell.`,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	eng, err := startEngine(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("starting sandbox: %w", err)
	}
	defer eng.Close(context.Background())

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36m>>>\033[0m ",
		HistoryFile:     filepath.Join(home, ".sandcastle_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Sandcastle shell. Each snippet runs in a fresh sandbox. /help for commands.")

	stop := exitOnInterrupt(func() { rl.Close() })
	defer stop()

	var block []string
	for {
		if len(block) > 0 {
			rl.SetPrompt("\033[36m...\033[0m ")
		} else {
			rl.SetPrompt("\033[36m>>>\033[0m ")
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && len(block) > 0 {
				block = nil
				continue
			}
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		code, ready := collectSnippet(&block, line)
		if !ready {
			continue
		}
		if strings.HasPrefix(code, "/") {
			if quit := handleShellCommand(code, eng); quit {
				return nil
			}
			continue
		}

		result, _ := eng.Exec(context.Background(), sandbox.ExecutionRequest{Code: code})

		printResult(os.Stdout, os.Stderr, result)
		fmt.Println()
	}
}

// exitOnInterrupt ends the process on SIGINT after running cleanup.
// At the prompt readline turns Ctrl+C into ErrInterrupt; the signal only
// arrives while a snippet runs, and a running snippet cannot be cancelled.
// SIGTERM is left at its default.
func exitOnInterrupt(cleanup func()) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		cleanup()
		fmt.Fprintln(os.Stderr, "\ninterrupted")
		os.Exit(130)
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// collectSnippet accumulates block lines. It reports the snippet to run
// once a single line or a terminated block is complete.
func collectSnippet(block *[]string, line string) (string, bool) {
	if len(*block) > 0 {
		if strings.TrimSpace(line) == "" {
			code := strings.Join(*block, "\n")
			*block = nil
			return code, true
		}
		*block = append(*block, line)
		return "", false
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	if strings.HasSuffix(trimmed, ":") {
		*block = append(*block, line)
		return "", false
	}
	return trimmed, true
}

func handleShellCommand(input string, eng *engine) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/status":
		st := eng.Status()
		fmt.Printf("state: %s  executions: %d  recycles: %d\n", st.State, st.Executions, st.Recycles)
		if st.LastError != "" {
			fmt.Printf("last error: %s\n", st.LastError)
		}
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /status   - Show sandbox manager state")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}
