// Package engine is the composition boundary: one scheduled batch run of
// clustering, assembly, metrics, and retention.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"narrative-engine/cluster"
	"narrative-engine/metrics"
	"narrative-engine/narrative"
)

// ContentSource reads eligible content from the content store.
type ContentSource interface {
	UnclusteredSince(since time.Time) ([]cluster.Item, error)
}

// NarrativeSource reads open narratives for attachment matching.
type NarrativeSource interface {
	OpenNarrativesSince(since time.Time) ([]narrative.Narrative, error)
}

// ClusterAssembler persists one component, either as a new narrative or as an
// attachment to target.
type ClusterAssembler interface {
	Assemble(ctx context.Context, comp cluster.Component, target *narrative.Narrative) (narrative.Result, error)
}

// MetricsRunner snapshots every narrative for every configured period.
type MetricsRunner interface {
	Run(ctx context.Context, now time.Time) (metrics.Result, error)
}

// RetentionStore deletes aged-out rows after a run.
type RetentionStore interface {
	PruneSnapshotsBefore(cutoff time.Time) (int64, error)
	PruneUnclusteredBefore(cutoff time.Time) (int64, error)
}

// RunRecorder persists one run summary for operator dashboards.
type RunRecorder interface {
	RecordRun(s *Summary) error
}

// Options are the per-invocation knobs of one engine run.
type Options struct {
	Window        time.Duration // W: content recency window
	MinShared     int           // S: shared entities per edge
	MinSize       int           // M: minimum cluster size
	Workers       int           // bounded pool for assembly
	RetentionDays int           // 0 disables retention
}

// Summary reports what one run did.
type Summary struct {
	StartedAt         time.Time
	Duration          time.Duration
	EligibleItems     int
	InertItems        int // zero-entity items, permanently unclusterable
	Clusters          int
	NarrativesCreated int
	NarrativesUpdated int
	MembersLinked     int
	ClusterFailures   int
	Snapshots         int
	MetricFailures    int
	ContentPruned     int64
	SnapshotsPruned   int64
}

// Runner executes one full engine pass: clustering and assembly first, then
// metrics over the now-current memberships, then retention.
type Runner struct {
	content    ContentSource
	narratives NarrativeSource
	assembler  ClusterAssembler
	metrics    MetricsRunner
	retention  RetentionStore
	recorder   RunRecorder // may be nil
	opts       Options
	now        func() time.Time
}

// NewRunner creates a Runner. recorder may be nil when run summaries are not
// persisted.
func NewRunner(content ContentSource, narratives NarrativeSource, assembler ClusterAssembler,
	metricsRunner MetricsRunner, retention RetentionStore, recorder RunRecorder, opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Runner{
		content:    content,
		narratives: narratives,
		assembler:  assembler,
		metrics:    metricsRunner,
		retention:  retention,
		recorder:   recorder,
		opts:       opts,
		now:        time.Now,
	}
}

// Run executes one batch pass. It fails only when the stores are unreachable
// for the whole phase (listing content or narratives); individual cluster or
// narrative failures are isolated, logged, and counted. Re-running after any
// failure is safe: unlinked items are rediscovered on the next pass.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	now := r.now()
	summary := &Summary{StartedAt: now}
	defer func() {
		summary.Duration = time.Since(now)
	}()

	slog.Info("engine run starting",
		"window", r.opts.Window, "min_shared", r.opts.MinShared, "min_size", r.opts.MinSize)

	if err := r.clusterAndAssemble(ctx, now, summary); err != nil {
		return summary, err
	}

	res, err := r.metrics.Run(ctx, now)
	if err != nil {
		return summary, fmt.Errorf("metrics pass: %w", err)
	}
	summary.Snapshots = res.Written
	summary.MetricFailures = res.Failed

	r.prune(now, summary)
	summary.Duration = time.Since(now)
	r.record(summary)

	slog.Info("engine run complete",
		"clusters", summary.Clusters,
		"created", summary.NarrativesCreated,
		"updated", summary.NarrativesUpdated,
		"linked", summary.MembersLinked,
		"snapshots", summary.Snapshots,
		"cluster_failures", summary.ClusterFailures,
		"metric_failures", summary.MetricFailures,
		"duration", time.Since(now))
	return summary, nil
}

func (r *Runner) clusterAndAssemble(ctx context.Context, now time.Time, summary *Summary) error {
	since := now.Add(-r.opts.Window)

	items, err := r.content.UnclusteredSince(since)
	if err != nil {
		return fmt.Errorf("listing unclustered content: %w", err)
	}
	for _, it := range items {
		if len(it.Entities) == 0 {
			// Not an error: nothing to match on, the item is simply inert.
			summary.InertItems++
			slog.Debug("item has no entities, skipping", "content_id", it.ID)
		}
	}
	summary.EligibleItems = len(items) - summary.InertItems

	components := cluster.Detect(items, cluster.Params{MinShared: r.opts.MinShared, MinSize: r.opts.MinSize})
	summary.Clusters = len(components)
	if len(components) == 0 {
		return nil
	}

	open, err := r.narratives.OpenNarrativesSince(since)
	if err != nil {
		return fmt.Errorf("listing open narratives: %w", err)
	}

	// Matching runs up front against the pre-run open set; narratives created
	// in this pass never absorb sibling components. Components attaching to
	// the same narrative are grouped into one task so their sentiment
	// recomputations do not interleave; creations are fully disjoint.
	type task struct {
		comps  []cluster.Component
		target *narrative.Narrative
	}
	var tasks []task
	attachIdx := make(map[string]int)
	for _, comp := range components {
		target := narrative.Match(comp, open)
		if target == nil {
			tasks = append(tasks, task{comps: []cluster.Component{comp}})
			continue
		}
		if i, ok := attachIdx[target.ID]; ok {
			tasks[i].comps = append(tasks[i].comps, comp)
			continue
		}
		attachIdx[target.ID] = len(tasks)
		tasks = append(tasks, task{comps: []cluster.Component{comp}, target: target})
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, r.opts.Workers)
	)
	for _, tk := range tasks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(tk task) {
			defer wg.Done()
			defer func() { <-sem }()

			attached := false
			for _, comp := range tk.comps {
				res, err := r.assembler.Assemble(ctx, comp, tk.target)

				mu.Lock()
				if err != nil {
					summary.ClusterFailures++
					mu.Unlock()
					slog.Error("cluster assembly failed, items stay unclustered",
						"members", len(comp.Members), "error", err)
					continue
				}
				if res.Created {
					summary.NarrativesCreated++
				} else {
					attached = true
				}
				summary.MembersLinked += res.Linked
				mu.Unlock()
			}
			if attached {
				mu.Lock()
				summary.NarrativesUpdated++
				mu.Unlock()
			}
		}(tk)
	}
	wg.Wait()

	return nil
}

func (r *Runner) prune(now time.Time, summary *Summary) {
	if r.opts.RetentionDays <= 0 || r.retention == nil {
		return
	}
	cutoff := now.AddDate(0, 0, -r.opts.RetentionDays)

	n, err := r.retention.PruneSnapshotsBefore(cutoff)
	if err != nil {
		slog.Error("snapshot retention failed", "error", err)
	} else {
		summary.SnapshotsPruned = n
	}

	n, err = r.retention.PruneUnclusteredBefore(cutoff)
	if err != nil {
		slog.Error("content retention failed", "error", err)
	} else {
		summary.ContentPruned = n
	}
}

func (r *Runner) record(summary *Summary) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordRun(summary); err != nil {
		slog.Error("recording run summary failed", "error", err)
	}
}
