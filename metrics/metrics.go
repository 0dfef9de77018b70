// Package metrics computes per-narrative, per-period statistical snapshots:
// mention counts, sentiment mix, and growth versus the prior snapshot.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Period is a named lookback window, e.g. {"1h", time.Hour}.
type Period struct {
	Name   string
	Window time.Duration
}

// ParsePeriods converts duration strings ("1h", "24h") into Periods. The
// string form is kept as the period name persisted with each snapshot.
func ParsePeriods(specs []string) ([]Period, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("metrics: at least one period is required")
	}
	periods := make([]Period, 0, len(specs))
	seen := make(map[string]bool)
	for _, s := range specs {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("metrics: invalid period %q: %w", s, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("metrics: period %q must be positive", s)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		periods = append(periods, Period{Name: s, Window: d})
	}
	return periods, nil
}

// Member is the slice of a content item the metrics engine needs.
type Member struct {
	ID        string
	Sentiment string
}

// Snapshot is one point-in-time aggregate for a (narrative, period) pair.
// Growth is nil on the first observation; consumers use that to suppress
// trend arrows rather than showing a spurious zero.
type Snapshot struct {
	NarrativeID  string
	Period       string
	CalculatedAt time.Time
	MentionCount int
	Bullish      int
	Bearish      int
	Neutral      int
	Growth       *int
}

// Store provides the persistence surface the metrics engine reads and writes.
type Store interface {
	ListNarrativeIDs() ([]string, error)
	RecentMembers(narrativeID string, since time.Time) ([]Member, error)
	LatestSnapshot(narrativeID, period string) (*Snapshot, error)
	WriteSnapshot(s *Snapshot) error
}

// Result summarizes one metrics pass.
type Result struct {
	Narratives int
	Written    int
	Failed     int
}

// Engine computes snapshots for every narrative and every configured period.
type Engine struct {
	store   Store
	periods []Period
	workers int
}

// NewEngine creates an Engine with a bounded worker count (minimum 1).
func NewEngine(store Store, periods []Period, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{store: store, periods: periods, workers: workers}
}

// Run snapshots every narrative for every period. All snapshots in one run
// share the same now, so cross-narrative comparisons stay meaningful. A
// failure for one narrative is logged and counted but never blocks the rest.
// Run fails only when the narrative list itself cannot be read.
func (e *Engine) Run(ctx context.Context, now time.Time) (Result, error) {
	ids, err := e.store.ListNarrativeIDs()
	if err != nil {
		return Result{}, fmt.Errorf("listing narratives: %w", err)
	}

	res := Result{Narratives: len(ids)}
	if len(ids) == 0 {
		return res, nil
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, e.workers)
	)
	for _, id := range ids {
		select {
		case <-ctx.Done():
			wg.Wait()
			return res, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(narrativeID string) {
			defer wg.Done()
			defer func() { <-sem }()

			written, err := e.snapshotNarrative(narrativeID, now)
			mu.Lock()
			defer mu.Unlock()
			res.Written += written
			if err != nil {
				res.Failed++
				slog.Error("metric snapshot failed", "narrative_id", narrativeID, "error", err)
			}
		}(id)
	}
	wg.Wait()

	return res, nil
}

// snapshotNarrative writes one snapshot per period. It returns how many were
// written along with the first error encountered; a failed period does not
// stop the remaining periods.
func (e *Engine) snapshotNarrative(narrativeID string, now time.Time) (int, error) {
	written := 0
	var firstErr error
	for _, p := range e.periods {
		snap, err := e.compute(narrativeID, p, now)
		if err == nil {
			err = e.store.WriteSnapshot(snap)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("period %s: %w", p.Name, err)
			}
			continue
		}
		written++
	}
	return written, firstErr
}

func (e *Engine) compute(narrativeID string, p Period, now time.Time) (*Snapshot, error) {
	members, err := e.store.RecentMembers(narrativeID, now.Add(-p.Window))
	if err != nil {
		return nil, fmt.Errorf("loading recent members: %w", err)
	}

	snap := &Snapshot{
		NarrativeID:  narrativeID,
		Period:       p.Name,
		CalculatedAt: now,
		MentionCount: len(members),
	}
	for _, m := range members {
		switch m.Sentiment {
		case "bullish":
			snap.Bullish++
		case "bearish":
			snap.Bearish++
		case "neutral":
			snap.Neutral++
		}
	}

	prev, err := e.store.LatestSnapshot(narrativeID, p.Name)
	if err != nil {
		return nil, fmt.Errorf("loading prior snapshot: %w", err)
	}
	if prev != nil {
		growth := snap.MentionCount - prev.MentionCount
		snap.Growth = &growth
	}

	return snap, nil
}
