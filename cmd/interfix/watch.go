package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"interfix/internal/watch"
)

var (
	watchInPlace bool
	watchSweep   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Repair HTML files as they change on disk",
	Long: `Watches a directory and runs the repair pipeline on every HTML file
that settles after a change. Repaired copies land next to the source
under the configured suffix, or replace the source with --in-place.

With --sweep, every HTML file already in the directory is repaired once
before watching starts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchInPlace, "in-place", false, "Rewrite watched files with repaired markup")
	watchCmd.Flags().BoolVar(&watchSweep, "sweep", false, "Repair existing files before watching")
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir := cfg.Watch.Dir
	if len(args) > 0 {
		dir = args[0]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tc, err := newToolchain(ctx, true)
	if err != nil {
		return err
	}
	defer tc.Close()

	w, err := watch.New(watch.Config{
		Dir:       dir,
		InPlace:   watchInPlace || cfg.Watch.InPlace,
		OutSuffix: cfg.Watch.OutSuffix,
		Debounce:  cfg.GetWatchDebounce(),
	}, tc.orch, logger)
	if err != nil {
		return err
	}

	if err := w.Start(ctx); err != nil {
		return err
	}

	if watchSweep {
		if err := w.Sweep(ctx); err != nil {
			logger.Warn("initial sweep failed", zap.Error(err))
		}
	}

	fmt.Printf("Watching %s (Ctrl+C to stop)\n", dir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	w.Stop()
	cancel()

	st := w.GetStats()
	fmt.Printf("Repairs: %d started, %d passed, %d failed, %d errors\n",
		st.RepairsStarted, st.Passed, st.Failed, st.Errors)
	return nil
}
