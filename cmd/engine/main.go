package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"narrative-engine/cluster"
	"narrative-engine/config"
	"narrative-engine/engine"
	"narrative-engine/metrics"
	"narrative-engine/narrative"
	"narrative-engine/scheduler"
	"narrative-engine/storage"
	"narrative-engine/summarizer"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to YAML config file")
	once := flag.Bool("once", false, "run a single engine pass and exit")
	flag.Parse()

	// Structured JSON logging to stdout
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"run_interval", cfg.RunInterval, "window_hours", cfg.WindowHours,
		"min_shared", cfg.MinSharedEntities, "min_size", cfg.MinClusterSize)

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
	case "warn":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})))
	case "error":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	}

	// Initialize storage
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("storage initialized", "db_path", cfg.DBPath)

	// Optional AI title/summary synthesis
	var titler narrative.Summarizer
	if cfg.OpenAIAPIKey != "" {
		titler = summarizer.New(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		slog.Info("summarizer enabled", "model", cfg.OpenAIModel)
	}

	periods, err := metrics.ParsePeriods(cfg.MetricPeriods)
	if err != nil {
		slog.Error("invalid metric periods", "error", err)
		os.Exit(1)
	}

	assembler := narrative.New(&narrativeStoreAdapter{store: store}, titler)
	metricsEngine := metrics.NewEngine(&metricsStoreAdapter{store: store}, periods, cfg.Workers)

	runner := engine.NewRunner(
		&contentAdapter{store: store},
		&openNarrativesAdapter{store: store},
		assembler,
		metricsEngine,
		store,
		&runRecorderAdapter{store: store},
		engine.Options{
			Window:        cfg.Window(),
			MinShared:     cfg.MinSharedEntities,
			MinSize:       cfg.MinClusterSize,
			Workers:       cfg.Workers,
			RetentionDays: cfg.RetentionDays,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runFunc := func() {
		if _, err := runner.Run(ctx); err != nil {
			slog.Error("engine run failed", "error", err)
		}
	}

	if *once {
		runFunc()
		return
	}

	interval, err := cfg.Interval()
	if err != nil {
		slog.Error("invalid run interval", "error", err)
		os.Exit(1)
	}

	// Initialize scheduler
	sched, err := scheduler.New(cfg.Timezone)
	if err != nil {
		slog.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	if err := sched.Schedule(interval, runFunc); err != nil {
		slog.Error("failed to schedule engine runs", "error", err)
		os.Exit(1)
	}
	sched.Start()
	slog.Info("scheduler started", "interval", interval.String(), "timezone", cfg.Timezone)

	// First pass immediately; the scheduler handles the rest.
	runFunc()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)
	cancel()

	sched.Stop()
	slog.Info("shutdown complete")
}

// --- Adapters to bridge package types ---

func toClusterItem(it storage.ContentItem, entities []storage.Entity) cluster.Item {
	item := cluster.Item{
		ID:          it.ID,
		Title:       it.Title,
		SourceKind:  it.SourceKind,
		PublishedAt: time.Unix(it.PublishedAt, 0).UTC(),
		Sentiment:   it.Sentiment,
	}
	for _, e := range entities {
		item.Entities = append(item.Entities, cluster.Entity{
			Value: e.Value,
			Type:  cluster.EntityType(e.Type),
		})
	}
	return item
}

// contentAdapter bridges storage.Store to engine.ContentSource
type contentAdapter struct {
	store *storage.Store
}

func (a *contentAdapter) UnclusteredSince(since time.Time) ([]cluster.Item, error) {
	rows, err := a.store.UnclusteredSince(since)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	entities, err := a.store.EntitiesForContent(ids)
	if err != nil {
		return nil, err
	}
	items := make([]cluster.Item, len(rows))
	for i, r := range rows {
		items[i] = toClusterItem(r, entities[r.ID])
	}
	return items, nil
}

// openNarrativesAdapter bridges storage.Store to engine.NarrativeSource
type openNarrativesAdapter struct {
	store *storage.Store
}

func (a *openNarrativesAdapter) OpenNarrativesSince(since time.Time) ([]narrative.Narrative, error) {
	rows, err := a.store.NarrativesSince(since)
	if err != nil {
		return nil, err
	}
	open := make([]narrative.Narrative, len(rows))
	for i, r := range rows {
		keys, err := a.store.EntityKeysForNarrative(r.ID)
		if err != nil {
			return nil, err
		}
		open[i] = narrative.Narrative{
			ID:         r.ID,
			Title:      r.Title,
			Sentiment:  narrative.Sentiment(r.Sentiment),
			CreatedAt:  time.Unix(r.CreatedAt, 0).UTC(),
			UpdatedAt:  time.Unix(r.UpdatedAt, 0).UTC(),
			EntityKeys: keys,
		}
	}
	return open, nil
}

// narrativeStoreAdapter bridges storage.Store to narrative.Store
type narrativeStoreAdapter struct {
	store *storage.Store
}

func (a *narrativeStoreAdapter) CreateNarrative(n *narrative.NewNarrative) (int, error) {
	return a.store.CreateNarrative(&storage.Narrative{
		ID:        n.ID,
		Title:     n.Title,
		Summary:   n.Summary,
		Sentiment: string(n.Sentiment),
		CreatedAt: n.CreatedAt.Unix(),
		UpdatedAt: n.UpdatedAt.Unix(),
	}, n.MemberIDs)
}

func (a *narrativeStoreAdapter) AttachToNarrative(id string, memberIDs []string, sentiment narrative.Sentiment, updatedAt time.Time) (int, error) {
	return a.store.AttachToNarrative(id, memberIDs, string(sentiment), updatedAt)
}

func (a *narrativeStoreAdapter) MemberItems(narrativeID string) ([]cluster.Item, error) {
	rows, err := a.store.MemberItems(narrativeID)
	if err != nil {
		return nil, err
	}
	items := make([]cluster.Item, len(rows))
	for i, r := range rows {
		items[i] = toClusterItem(r, nil)
	}
	return items, nil
}

// metricsStoreAdapter bridges storage.Store to metrics.Store
type metricsStoreAdapter struct {
	store *storage.Store
}

func (a *metricsStoreAdapter) ListNarrativeIDs() ([]string, error) {
	rows, err := a.store.ListNarratives()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

func (a *metricsStoreAdapter) RecentMembers(narrativeID string, since time.Time) ([]metrics.Member, error) {
	rows, err := a.store.RecentMembers(narrativeID, since)
	if err != nil {
		return nil, err
	}
	members := make([]metrics.Member, len(rows))
	for i, r := range rows {
		members[i] = metrics.Member{ID: r.ID, Sentiment: r.Sentiment}
	}
	return members, nil
}

func (a *metricsStoreAdapter) LatestSnapshot(narrativeID, period string) (*metrics.Snapshot, error) {
	snap, err := a.store.LatestSnapshot(narrativeID, period)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	return &metrics.Snapshot{
		NarrativeID:  snap.NarrativeID,
		Period:       snap.Period,
		CalculatedAt: time.Unix(snap.CalculatedAt, 0).UTC(),
		MentionCount: snap.MentionCount,
		Bullish:      snap.Bullish,
		Bearish:      snap.Bearish,
		Neutral:      snap.Neutral,
		Growth:       snap.Growth,
	}, nil
}

func (a *metricsStoreAdapter) WriteSnapshot(s *metrics.Snapshot) error {
	return a.store.WriteSnapshot(&storage.MetricSnapshot{
		NarrativeID:  s.NarrativeID,
		Period:       s.Period,
		CalculatedAt: s.CalculatedAt.Unix(),
		MentionCount: s.MentionCount,
		Bullish:      s.Bullish,
		Bearish:      s.Bearish,
		Neutral:      s.Neutral,
		Growth:       s.Growth,
	})
}

// runRecorderAdapter bridges storage.Store to engine.RunRecorder
type runRecorderAdapter struct {
	store *storage.Store
}

func (a *runRecorderAdapter) RecordRun(s *engine.Summary) error {
	return a.store.RecordRun(&storage.RunRecord{
		StartedAt:  s.StartedAt.Unix(),
		DurationMS: s.Duration.Milliseconds(),
		Clusters:   s.Clusters,
		Created:    s.NarrativesCreated,
		Updated:    s.NarrativesUpdated,
		Linked:     s.MembersLinked,
		Snapshots:  s.Snapshots,
		Failures:   s.ClusterFailures + s.MetricFailures,
	})
}
