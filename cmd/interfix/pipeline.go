package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"interfix/internal/classify"
	"interfix/internal/genfix"
	"interfix/internal/metrics"
	"interfix/internal/patch"
	"interfix/internal/repair"
	"interfix/internal/rules"
	"interfix/internal/validate"
)

// toolchain bundles the long-lived pipeline pieces the repair and watch
// commands share.
type toolchain struct {
	classifier *classify.Classifier
	browser    *validate.Browser
	fixer      *genfix.Fixer
	store      *metrics.Store
	orch       *repair.Orchestrator
}

// newToolchain wires the full pipeline from the loaded configuration. The
// generative fixer joins only when the caller wants it and an API key is
// available; everything else still works without one.
func newToolchain(ctx context.Context, generative bool) (*toolchain, error) {
	tc := &toolchain{}
	ok := false
	defer func() {
		if !ok {
			tc.Close()
		}
	}()

	tc.classifier = classify.New(classify.Config{
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
	}, logger)

	catalog := rules.DefaultCatalog()
	if cfg.Rules.PluginDir != "" {
		var err error
		catalog, err = rules.LoadPlugins(cfg.Rules.PluginDir, logger)
		if err != nil {
			return nil, fmt.Errorf("loading rule plugins: %w", err)
		}
	}
	engine, err := rules.NewEngine(logger, catalog)
	if err != nil {
		return nil, err
	}

	tc.browser = validate.NewBrowser(cfg.Browser, cfg.Thresholds, logger)

	deps := repair.Deps{
		Classifier: tc.classifier,
		Engine:     engine,
		Applier:    patch.NewApplier(logger),
		Validator:  tc.browser,
	}

	switch {
	case generative && cfg.LLM.APIKey != "":
		tc.fixer, err = genfix.NewFromConfig(ctx, genfix.Config{
			Provider:    cfg.LLM.Provider,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Timeout:     cfg.GetLLMTimeout(),
			MaxDocBytes: cfg.LLM.MaxDocBytes,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("building generative fixer: %w", err)
		}
		deps.Fixer = tc.fixer
	case generative:
		logger.Info("generative repair disabled, no API key configured",
			zap.String("provider", cfg.LLM.Provider))
	}

	if cfg.Metrics.Enabled {
		tc.store, err = metrics.Open(cfg.Metrics.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("opening metrics store: %w", err)
		}
		deps.Sink = tc.store
	}

	tc.orch, err = repair.New(deps, repair.Config{
		MaxGenerativeAttempts: cfg.Repair.MaxGenerativeAttempts,
		Timeout:               cfg.GetRepairTimeout(),
		RollbackEnabled:       cfg.Repair.RollbackEnabled,
		Thresholds:            cfg.Thresholds,
	}, logger)
	if err != nil {
		return nil, err
	}

	ok = true
	return tc, nil
}

// Close releases every wired piece. Safe on a partially built toolchain.
func (tc *toolchain) Close() {
	if tc.classifier != nil {
		tc.classifier.Close()
	}
	if tc.browser != nil {
		if err := tc.browser.Close(); err != nil {
			logger.Warn("closing browser", zap.Error(err))
		}
	}
	if tc.fixer != nil {
		if err := tc.fixer.Close(); err != nil {
			logger.Warn("closing fixer", zap.Error(err))
		}
	}
	if tc.store != nil {
		if err := tc.store.Close(); err != nil {
			logger.Warn("closing metrics store", zap.Error(err))
		}
	}
}
