package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/sandcastle/internal/storage"
	"github.com/michaelbrown/sandcastle/internal/storage/sqlite"
)

var (
	statusFilter    string
	errorTypeFilter string
	limitFlag       int
	offsetFlag      int
	exportFormat    string
	exportOutput    string
	olderThanFlag   time.Duration
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"hist", "h"},
	Short:   "Inspect the execution journal",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent executions",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the journal",
	RunE:  runHistoryStats,
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export executions as markdown or JSON",
	RunE:  runHistoryExport,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old journal entries",
	RunE:  runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyStatsCmd, historyExportCmd, historyPruneCmd)

	for _, c := range []*cobra.Command{historyListCmd, historyExportCmd} {
		c.Flags().StringVar(&statusFilter, "status", "", "Filter by status (succeeded, failed)")
		c.Flags().StringVar(&errorTypeFilter, "error-type", "", "Filter by error type (e.g. NameError)")
		c.Flags().IntVar(&limitFlag, "limit", 20, "Max executions to show")
	}
	historyListCmd.Flags().IntVar(&offsetFlag, "offset", 0, "Skip this many executions")

	historyExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	historyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	historyPruneCmd.Flags().DurationVar(&olderThanFlag, "older-than", 30*24*time.Hour, "Delete executions started before now minus this")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.DBPath == "" {
		return nil, fmt.Errorf("the execution journal is disabled (set storage.db_path)")
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func listOptions() storage.ListOptions {
	return storage.ListOptions{
		Status:    storage.Status(statusFilter),
		ErrorType: errorTypeFilter,
		Limit:     limitFlag,
		Offset:    offsetFlag,
	}
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := store.ListExecutions(context.Background(), listOptions())
	if err != nil {
		return err
	}

	if len(execs) == 0 {
		fmt.Println("No executions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-10s %-10s %-8s %-22s %s\n", "ID", "STATUS", "DURATION", "FILES", "ERROR", "STARTED")
	fmt.Println(strings.Repeat("─", 80))

	for _, e := range execs {
		errType := e.ErrorType
		if len(errType) > 20 {
			errType = errType[:20] + ".."
		}
		if errType == "" {
			errType = "-"
		}

		fmt.Printf("%-10s %-10s %-10s %-8s %-22s %s\n",
			shortID(e.ID), e.Status(), formatMS(e.DurationMS),
			fmt.Sprintf("%d/%d", e.InputFiles, e.OutputFiles), errType,
			humanize.Time(e.StartedAt))
	}

	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.GetExecution(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Execution:   %s\n", e.ID)
	fmt.Printf("Environment: %s\n", e.EnvironmentID)
	fmt.Printf("Status:      %s\n", e.Status())
	fmt.Printf("Started:     %s (%s)\n", e.StartedAt.Local().Format(time.RFC3339), humanize.Time(e.StartedAt))
	fmt.Printf("Duration:    %s\n", formatMS(e.DurationMS))
	fmt.Printf("Files:       %d in, %d out\n", e.InputFiles, e.OutputFiles)
	if e.ErrorType != "" {
		fmt.Printf("Error:       %s: %s\n", e.ErrorType, truncate(e.ErrorMessage, 200))
	}
	return nil
}

func runHistoryStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Executions: %s\n", humanize.Comma(int64(stats.Total)))
	fmt.Printf("Failed:     %s\n", humanize.Comma(int64(stats.Failed)))
	fmt.Printf("Average:    %.1f ms\n", stats.AvgDurationMS)

	if len(stats.ByErrorType) == 0 {
		return nil
	}
	types := make([]string, 0, len(stats.ByErrorType))
	for t := range stats.ByErrorType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		return stats.ByErrorType[types[i]] > stats.ByErrorType[types[j]]
	})
	fmt.Println()
	for _, t := range types {
		fmt.Printf("  %-28s %s\n", t, humanize.Comma(int64(stats.ByErrorType[t])))
	}
	return nil
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	execs, err := store.ListExecutions(ctx, listOptions())
	if err != nil {
		return err
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(execs, stats)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportMarkdown(execs, stats)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().Add(-olderThanFlag)
	n, err := store.Prune(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %s executions started before %s\n", humanize.Comma(n), cutoff.Format(time.RFC3339))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
