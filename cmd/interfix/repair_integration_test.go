//go:build integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"interfix/internal/config"
	"interfix/internal/document"
	"interfix/internal/metrics"
	"interfix/internal/rules"
	"interfix/internal/validate"
)

// shieldedPage buries a working button under a decorative full-viewport
// layer. The repaired copy must route input around the shield.
const shieldedPage = `<!DOCTYPE html>
<html><head><style>
  body { margin: 0; background: #fff; }
  #buy { position: fixed; left: 100px; top: 100px; width: 200px; height: 48px; z-index: 10; font-size: 20px; }
  .shield { position: fixed; inset: 0; z-index: 20; }
</style>
<style>` + rules.Stylesheet + `</style>
</head><body>
<div class="shield"></div>
<button id="buy" onmousedown="document.body.style.background='#000'">Buy</button>
</body></html>`

// faintPage has a button whose press feedback is too small to notice. The
// repaired copy must amplify the active state.
const faintPage = `<!DOCTYPE html>
<html><head><style>
  body { margin: 0; background: #fff; }
  #cta { width: 300px; height: 200px; background: #1d4ed8; color: #fff; border: 0; }
  #cta:active { transform: scale(1.01); }
</style>
<style>` + rules.Stylesheet + `</style>
</head><body>
<button id="cta">Go</button>
</body></html>`

// TestRepairCmd_Integration drives the real pipeline end to end: classify,
// patch with the catalog, validate in headless Chrome, write the repaired
// copies, and record both runs.
func TestRepairCmd_Integration(t *testing.T) {
	dir := t.TempDir()

	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	cfg.LLM.APIKey = ""
	cfg.Metrics.DatabasePath = filepath.Join(dir, "metrics.db")
	repairReport = "text"
	repairInPlace = false
	repairOutSuffix = ""
	repairWorkers = 2
	repairNoGen = true
	defer func() { repairNoGen = false; repairWorkers = 0 }()

	shielded := filepath.Join(dir, "shielded.html")
	faint := filepath.Join(dir, "faint.html")
	if err := os.WriteFile(shielded, []byte(shieldedPage), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(faint, []byte(faintPage), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runRepair(&cobra.Command{}, []string{shielded, faint}); err != nil {
		t.Fatalf("runRepair failed: %v", err)
	}

	// The shield page victim is raised and routed; the shield itself lets
	// input through.
	data, err := os.ReadFile(filepath.Join(dir, "shielded.repaired.html"))
	if err != nil {
		t.Fatalf("repaired copy missing: %v", err)
	}
	markup := string(data)
	for _, class := range []string{rules.ClassClickable, rules.ClassRaiseOverlay, rules.ClassPassthrough} {
		if !strings.Contains(markup, class) {
			t.Errorf("repaired shielded markup missing %s", class)
		}
	}

	repairedFaint, err := os.ReadFile(filepath.Join(dir, "faint.repaired.html"))
	if err != nil {
		t.Fatalf("repaired copy missing: %v", err)
	}
	if !strings.Contains(string(repairedFaint), rules.ClassActiveBright) {
		t.Errorf("repaired faint markup missing %s", rules.ClassActiveBright)
	}

	// The amplified press must repaint at least 30% of the element box.
	b := validate.NewBrowser(cfg.Browser, cfg.Thresholds, nil)
	defer func() {
		if err := b.Close(); err != nil {
			t.Logf("close error: %v", err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rep, err := b.Validate(ctx, document.New(repairedFaint))
	if err != nil {
		t.Fatalf("revalidation failed: %v", err)
	}
	if len(rep.Elements) != 1 {
		t.Fatalf("want 1 element, got %d", len(rep.Elements))
	}
	if rep.Elements[0].LocalDelta < 0.30 {
		t.Errorf("active-state local delta = %.3f, want >= 0.30", rep.Elements[0].LocalDelta)
	}
	if !rep.Passes(cfg.Thresholds) {
		t.Errorf("repaired faint page should pass, global = %.3f", rep.Global)
	}

	// Both runs are in the metrics store.
	store, err := metrics.Open(cfg.Metrics.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	recs, err := store.List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 recorded runs, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Status != "pass" {
			t.Errorf("run for %s finished %s", r.Document, r.Status)
		}
	}
}
