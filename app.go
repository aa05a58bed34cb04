package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mdobak/go-xerrors"

	"agriscan/chat"
	"agriscan/config"
	"agriscan/db"
	"agriscan/detector"
	"agriscan/diagnosis"
	"agriscan/knowledge"
	"agriscan/metrics"
	"agriscan/scan"
	"agriscan/tracker"
	"agriscan/utils"
)

const (
	apiName    = "AgriScan API"
	apiVersion = "1.0.0"
)

type app struct {
	cfg      config.Config
	adapter  *detector.Adapter
	scanner  *scan.Scanner
	resolver *diagnosis.Resolver
	store    db.Store
	metrics  *metrics.Metrics
	closers  []func() error
}

// newApp builds every component the server needs. The model sidecar being
// down is not fatal; a broken store or knowledge base file is.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := utils.GetLogger()

	if err := utils.CreateFolder(cfg.DataDir); err != nil {
		logger.ErrorContext(ctx, "failed to create data dir", slog.Any("error", xerrors.New(err)))
	}

	m := metrics.New()
	a := &app{cfg: cfg, metrics: m}

	resolver, store, closers, err := newResolver(ctx, cfg, m)
	if err != nil {
		return nil, err
	}
	a.resolver, a.store, a.closers = resolver, store, closers

	sidecar := detector.NewClient(cfg.ModelServiceURL, cfg.ModelTimeout)
	a.adapter = detector.NewAdapter(ctx, sidecar, detector.Settings{
		ModelURL:            sidecar.URL(),
		LabelsPath:          cfg.LabelsPath,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		IoUThreshold:        cfg.IoUThreshold,
		ImageSize:           cfg.ImageSize,
	})

	trackers := tracker.NewBoundedRegistry(cfg.TrackingHistorySize, cfg.TrackingStableFrames, tracker.Limits{
		IdleTTL:     cfg.TrackingSessionTTL,
		MaxSessions: cfg.TrackingMaxSessions,
	})
	a.scanner = scan.New(a.adapter, trackers, a.resolver, a.store, scan.Options{
		BatchConcurrency: cfg.BatchConcurrency,
		Metrics:          m,
	})

	return a, nil
}

// newResolver opens the store and knowledge base and wires the providers.
// The CLI commands use it directly without starting the server.
func newResolver(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*diagnosis.Resolver, db.Store, []func() error, error) {
	logger := utils.GetLogger()

	store, err := db.NewDBClient(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error opening %s store: %w", cfg.DBType, err)
	}
	closers := []func() error{store.Close}

	kb, err := knowledge.Load(cfg.KnowledgeBasePath)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("error loading knowledge base: %w", err)
	}
	logger.InfoContext(ctx, "knowledge base loaded",
		slog.String("path", cfg.KnowledgeBasePath),
		slog.Int("diseases", kb.Len()),
	)

	var providers []diagnosis.Provider
	if cfg.OnlineEnabled() {
		if cfg.GeminiAPIKey == "" {
			logger.WarnContext(ctx, "primary provider skipped: no GEMINI_API_KEY")
		} else if primary, err := chat.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModels); err != nil {
			logger.ErrorContext(ctx, "primary provider unavailable", slog.Any("error", xerrors.New(err)))
		} else {
			logger.InfoContext(ctx, "provider ready", slog.String("provider", primary.Name()), slog.String("model", primary.Model()))
			providers = append(providers, primary)
			closers = append(closers, primary.Close)
		}
		if cfg.GeminiFallbackAPIKey == "" {
			logger.WarnContext(ctx, "secondary provider skipped: no GEMINI_FALLBACK_API_KEY")
		} else if secondary, err := chat.NewLegacyGeminiClient(ctx, cfg.GeminiFallbackAPIKey, cfg.GeminiFallbackModels); err != nil {
			logger.ErrorContext(ctx, "secondary provider unavailable", slog.Any("error", xerrors.New(err)))
		} else {
			logger.InfoContext(ctx, "provider ready", slog.String("provider", secondary.Name()), slog.String("model", secondary.Model()))
			providers = append(providers, secondary)
			closers = append(closers, secondary.Close)
		}
	}

	resolver := diagnosis.NewResolver(kb, store, providers, diagnosis.Options{
		OnlineEnabled: cfg.OnlineEnabled(),
		Timeout:       cfg.LLMTimeout,
		MaxConcurrent: cfg.LLMMaxConcurrent,
		RatePerMinute: cfg.LLMRatePerMinute,
		Metrics:       m,
	})
	logger.InfoContext(ctx, "diagnosis resolver ready",
		slog.Bool("online", resolver.OnlineEnabled()),
		slog.Int("providers", len(providers)),
	)

	return resolver, store, closers, nil
}

func (a *app) close() {
	closeAll(a.closers)
}

// closeAll runs closers in reverse registration order.
func closeAll(closers []func() error) {
	logger := utils.GetLogger()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Error("error during shutdown", slog.Any("error", xerrors.New(err)))
		}
	}
}
