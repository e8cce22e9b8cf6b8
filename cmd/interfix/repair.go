package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"interfix/internal/document"
	"interfix/internal/repair"
)

var (
	repairInPlace   bool
	repairOutSuffix string
	repairReport    string
	repairWorkers   int
	repairNoGen     bool
)

var repairCmd = &cobra.Command{
	Use:   "repair [files...]",
	Short: "Repair interaction-blocking defects in HTML files",
	Long: `Runs the full pipeline over each file: classify defects, apply the
deterministic rule catalog, validate in a headless browser, and hand
whatever still fails to the generative fixer.

Repaired markup lands next to the source under the configured suffix,
or replaces the source with --in-place. Files that already pass are
left untouched.

Examples:
  interfix repair build/dashboard.html
  interfix repair --in-place --report json build/*.html`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRepair,
}

func init() {
	repairCmd.Flags().BoolVar(&repairInPlace, "in-place", false, "Rewrite source files with repaired markup")
	repairCmd.Flags().StringVar(&repairOutSuffix, "out-suffix", "", "Suffix for repaired copies (default from config)")
	repairCmd.Flags().StringVar(&repairReport, "report", "text", "Report format: text or json")
	repairCmd.Flags().IntVar(&repairWorkers, "workers", 0, "Concurrent documents (default from config)")
	repairCmd.Flags().BoolVar(&repairNoGen, "no-generative", false, "Skip generative repair even when a key is configured")
}

// fileReport is one document's outcome in the final report.
type fileReport struct {
	File             string  `json:"file"`
	Status           string  `json:"status,omitempty"`
	Score            float64 `json:"score"`
	DefectsFixed     int     `json:"defects_fixed"`
	DefectsRemaining int     `json:"defects_remaining"`
	Rollback         bool    `json:"rollback,omitempty"`
	Output           string  `json:"output,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	DurationMs       int64   `json:"duration_ms"`
	Error            string  `json:"error,omitempty"`
}

func runRepair(cmd *cobra.Command, args []string) error {
	if repairReport != "text" && repairReport != "json" {
		return fmt.Errorf("unknown report format %q, want text or json", repairReport)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	tc, err := newToolchain(ctx, !repairNoGen)
	if err != nil {
		return err
	}
	defer tc.Close()

	items := make([]repair.BatchItem, 0, len(args))
	for _, path := range args {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		items = append(items, repair.BatchItem{Name: path, Doc: document.New(raw)})
	}

	workers := repairWorkers
	if workers <= 0 {
		workers = cfg.Repair.Workers
	}
	results := tc.orch.Batch(ctx, items, workers)

	var failed int
	reports := make([]fileReport, 0, len(results))
	for _, br := range results {
		rep := fileReport{File: br.Name}
		if br.Err != nil {
			failed++
			rep.Error = br.Err.Error()
			reports = append(reports, rep)
			continue
		}

		res := br.Result
		rep.Status = string(res.Status)
		rep.Score = res.FinalScore
		rep.DefectsFixed = res.DefectsFixed
		rep.DefectsRemaining = res.DefectsRemaining
		rep.Rollback = res.RollbackOccurred
		rep.Reason = res.Reason
		rep.DurationMs = res.Duration.Milliseconds()
		if !res.Success {
			failed++
		}

		out, err := writeRepaired(br.Name, res)
		if err != nil {
			failed++
			rep.Error = err.Error()
		}
		rep.Output = out
		reports = append(reports, rep)
	}

	if err := printReports(reports); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents not repaired", failed, len(results))
	}
	return nil
}

// writeRepaired persists the run's final snapshot. Unchanged documents are
// never rewritten, so passing inputs stay byte-identical.
func writeRepaired(path string, res repair.Result) (string, error) {
	if res.Final.Equal(res.Original) {
		return "", nil
	}

	out := path
	if !repairInPlace {
		suffix := repairOutSuffix
		if suffix == "" {
			suffix = cfg.Watch.OutSuffix
		}
		out = strings.TrimSuffix(path, filepath.Ext(path)) + suffix
	}

	if err := os.WriteFile(out, res.Final.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", out, err)
	}
	return out, nil
}

func printReports(reports []fileReport) error {
	if repairReport == "json" {
		data, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	for _, rep := range reports {
		if rep.Error != "" && rep.Status == "" {
			fmt.Printf("ERROR    %s: %s\n", rep.File, rep.Error)
			continue
		}

		line := fmt.Sprintf("%-8s %s  score=%.3f fixed=%d remaining=%d %dms",
			strings.ToUpper(rep.Status), rep.File, rep.Score,
			rep.DefectsFixed, rep.DefectsRemaining, rep.DurationMs)
		if rep.Rollback {
			line += " rollback"
		}
		if rep.Output != "" {
			line += " -> " + rep.Output
		}
		if rep.Reason != "" && rep.Status != "pass" {
			line += fmt.Sprintf(" (%s)", rep.Reason)
		}
		if rep.Error != "" {
			line += fmt.Sprintf(" [write failed: %s]", rep.Error)
		}
		fmt.Println(line)
	}
	return nil
}
