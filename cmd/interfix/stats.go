package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"interfix/internal/metrics"
)

var (
	statsLimit int
	statsJSON  bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show repair run history",
	Long:  `Summarizes the recorded repair runs and lists the most recent ones.`,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsLimit, "limit", 20, "How many recent runs to list")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Emit stats as JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	store, err := metrics.Open(cfg.Metrics.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening metrics store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	summary, err := store.Summarize(ctx)
	if err != nil {
		return err
	}
	runs, err := store.List(ctx, statsLimit)
	if err != nil {
		return err
	}

	if statsJSON {
		data, err := json.MarshalIndent(struct {
			Summary metrics.Summary  `json:"summary"`
			Runs    []metrics.Record `json:"runs"`
		}{summary, runs}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if summary.Runs == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	passRate := float64(summary.Passed) / float64(summary.Runs) * 100
	fmt.Printf("Runs:       %d\n", summary.Runs)
	fmt.Printf("Passed:     %d (%.0f%%)\n", summary.Passed, passRate)
	fmt.Printf("Rollbacks:  %d\n", summary.Rollbacks)
	fmt.Printf("Mean score: %.3f\n", summary.MeanScore)
	fmt.Printf("Mean time:  %s\n", summary.MeanDuration.Round(time.Millisecond))
	fmt.Println()

	for _, r := range runs {
		doc := r.Document
		if doc == "" {
			doc = "-"
		} else {
			doc = filepath.Base(doc)
		}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Printf("%-8s  %-19s  %-7s  %.3f  fixed=%d remaining=%d  %s\n",
			id, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Status,
			r.FinalScore, r.DefectsFixed, r.DefectsRemaining, doc)
	}
	return nil
}
