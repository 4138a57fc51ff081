package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/sandcastle/internal/sandbox"
)

var (
	codeFlag   string
	inputFlags []string
	outFlag    string
	jsonFlag   bool
)

var execCmd = &cobra.Command{
	Use:   "exec [file]",
	Short: "Run one script in a fresh sandbox",
	Long: heredoc.Doc(`
		Run one script in a fresh sandbox and print its output.

		The script comes from a file argument, from -c, or from stdin when the
		argument is "-". Files passed with --input are copied into the sandbox
		home directory. New files the script writes are saved to --out.

		Examples:
		  sandcastle exec analysis.py --input data.csv --out results/
		  sandcastle exec -c 'sorted([3, 1, 2])'
		  echo '1 + 1' | sandcastle exec - --json
	`),
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&codeFlag, "code", "c", "", "Code to run instead of a file")
	execCmd.Flags().StringArrayVarP(&inputFlags, "input", "i", nil, "Input file to copy into the sandbox (repeatable)")
	execCmd.Flags().StringVarP(&outFlag, "out", "o", "", "Directory to save output files to")
	execCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the raw result as JSON")
	rootCmd.AddCommand(execCmd)
}

// errExecutionFailed makes the process exit non-zero without printing
// the error twice.
var errExecutionFailed = errors.New("execution failed")

func runExec(cmd *cobra.Command, args []string) error {
	code, err := readCode(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	files, err := readInputs(inputFlags)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	eng, err := startEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting sandbox: %w", err)
	}
	defer eng.Close(ctx)

	result, execErr := eng.Exec(ctx, sandbox.ExecutionRequest{Code: code, Files: files})

	out := cmd.OutOrStdout()
	if jsonFlag {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printResult(out, cmd.ErrOrStderr(), result)
	}

	if outFlag != "" && len(result.OutputFiles) > 0 {
		if err := saveOutputs(cmd.ErrOrStderr(), outFlag, result.OutputFiles); err != nil {
			return err
		}
	}

	if execErr != nil {
		return execErr
	}
	if !result.Success {
		cmd.SilenceErrors = true
		return errExecutionFailed
	}
	return nil
}

func readCode(stdin io.Reader, args []string) (string, error) {
	switch {
	case codeFlag != "" && len(args) > 0:
		return "", fmt.Errorf("use either a file or -c, not both")
	case codeFlag != "":
		return codeFlag, nil
	case len(args) == 0:
		return "", fmt.Errorf("no code given: pass a file, -c, or - for stdin")
	case args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading script: %w", err)
		}
		return string(data), nil
	}
}

// readInputs loads host files. Each lands in the sandbox under its base name.
func readInputs(paths []string) ([]sandbox.InputFile, error) {
	var files []sandbox.InputFile
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		files = append(files, sandbox.InputFile{Filename: filepath.Base(p), Data: data})
	}
	return files, nil
}

func printResult(stdout, stderr io.Writer, r *sandbox.ExecutionResult) {
	fmt.Fprint(stdout, r.StdOut)
	if r.StdErr != "" {
		fmt.Fprint(stderr, r.StdErr)
	}
	if r.FinalExpression != nil {
		fmt.Fprintf(stdout, "\033[32m=> %s\033[0m\n", *r.FinalExpression)
	}
	if r.Error != nil {
		fmt.Fprintf(stderr, "\033[31m%s: %s\033[0m\n", r.Error.Type, r.Error.Message)
	}
	for _, f := range r.OutputFiles {
		fmt.Fprintf(stderr, "  \033[90m+ %s (%s)\033[0m\n", f.Filename, humanize.Bytes(uint64(len(f.Data))))
	}
	elapsed := time.Duration(r.CodeRuntime) * time.Millisecond
	fmt.Fprintf(stderr, "\033[90m(%s)\033[0m\n", elapsed)
}

// saveOutputs writes returned files below dir, keeping their relative paths.
func saveOutputs(log io.Writer, dir string, files []sandbox.OutputFile) error {
	for _, f := range files {
		name := filepath.FromSlash(f.Filename)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("refusing to write %q outside %s", f.Filename, dir)
		}
		dst := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		if err := os.WriteFile(dst, f.Data, 0o644); err != nil {
			return fmt.Errorf("saving output: %w", err)
		}
		fmt.Fprintf(log, "saved %s\n", strings.TrimPrefix(dst, "./"))
	}
	return nil
}
