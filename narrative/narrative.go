// Package narrative turns qualifying clusters into persisted narratives:
// matching against open narratives, deriving sentiment and display fields,
// and writing atomically through the Store.
package narrative

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"narrative-engine/cluster"
)

// Sentiment is the aggregate stance of a narrative.
type Sentiment string

const (
	Bullish Sentiment = "bullish"
	Bearish Sentiment = "bearish"
	Neutral Sentiment = "neutral"
)

// Narrative is an open narrative loaded for matching, with the union of its
// members' entity keys.
type Narrative struct {
	ID         string
	Title      string
	Sentiment  Sentiment
	CreatedAt  time.Time
	UpdatedAt  time.Time
	EntityKeys map[string]struct{}
}

// NewNarrative carries everything needed to persist a brand-new narrative
// together with its initial memberships.
type NewNarrative struct {
	ID        string
	Title     string
	Summary   string
	Sentiment Sentiment
	CreatedAt time.Time
	UpdatedAt time.Time
	MemberIDs []string
}

// Store provides the persistence operations the assembler needs. Both writes
// are atomic: a narrative row and its membership rows commit together or not
// at all.
type Store interface {
	CreateNarrative(n *NewNarrative) (linked int, err error)
	AttachToNarrative(id string, memberIDs []string, sentiment Sentiment, updatedAt time.Time) (linked int, err error)
	MemberItems(narrativeID string) ([]cluster.Item, error)
}

// Summarizer generates a title and summary for a new narrative. Optional; the
// assembler falls back to templated synthesis when it is nil or fails.
type Summarizer interface {
	Summarize(ctx context.Context, headlines []string, entities []string) (title, summary string, err error)
}

// Result reports what one Assemble call did.
type Result struct {
	NarrativeID string
	Created     bool
	Linked      int
}

// Assembler persists qualifying clusters.
type Assembler struct {
	store      Store
	summarizer Summarizer
	now        func() time.Time
}

// New creates an Assembler. summarizer may be nil.
func New(store Store, summarizer Summarizer) *Assembler {
	return &Assembler{store: store, summarizer: summarizer, now: time.Now}
}

// Match picks the open narrative a component should attach to, or nil if the
// component is a brand-new candidate. Ties break by greatest entity-overlap
// count, then by most recent UpdatedAt, then by ID for determinism.
func Match(comp cluster.Component, open []Narrative) *Narrative {
	var best *Narrative
	bestOverlap := 0
	for i := range open {
		n := &open[i]
		overlap := 0
		for key := range comp.EntityKeys {
			if _, ok := n.EntityKeys[key]; ok {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		switch {
		case overlap > bestOverlap:
			best, bestOverlap = n, overlap
		case overlap == bestOverlap:
			if n.UpdatedAt.After(best.UpdatedAt) ||
				(n.UpdatedAt.Equal(best.UpdatedAt) && n.ID < best.ID) {
				best = n
			}
		}
	}
	return best
}

// AggregateSentiment derives the majority sentiment across items. Items
// without a per-item sentiment do not vote. A tie, or no votes at all,
// yields Neutral.
func AggregateSentiment(items []cluster.Item) Sentiment {
	counts := map[Sentiment]int{}
	for _, it := range items {
		switch Sentiment(it.Sentiment) {
		case Bullish, Bearish, Neutral:
			counts[Sentiment(it.Sentiment)]++
		}
	}

	best, bestCount, tied := Neutral, 0, false
	for _, s := range []Sentiment{Bullish, Bearish, Neutral} {
		switch {
		case counts[s] > bestCount:
			best, bestCount, tied = s, counts[s], false
		case counts[s] == bestCount && counts[s] > 0:
			tied = true
		}
	}
	if tied || bestCount == 0 {
		return Neutral
	}
	return best
}

// Assemble persists one component: either attaching it to target (when
// non-nil) or creating a new narrative. Cluster failures are returned to the
// caller, which isolates them from other clusters in the run.
func (a *Assembler) Assemble(ctx context.Context, comp cluster.Component, target *Narrative) (Result, error) {
	memberIDs := make([]string, len(comp.Members))
	for i, m := range comp.Members {
		memberIDs[i] = m.ID
	}

	if target != nil {
		return a.attach(comp, target, memberIDs)
	}
	return a.create(ctx, comp, memberIDs)
}

func (a *Assembler) attach(comp cluster.Component, target *Narrative, memberIDs []string) (Result, error) {
	existing, err := a.store.MemberItems(target.ID)
	if err != nil {
		return Result{}, fmt.Errorf("loading members of narrative %s: %w", target.ID, err)
	}

	// Sentiment and freshness are recomputed over the union of old and new
	// members, so repeated attachments never drift.
	union := append(existing, comp.Members...)
	sentiment := AggregateSentiment(union)
	updatedAt := latestPublished(union)

	linked, err := a.store.AttachToNarrative(target.ID, memberIDs, sentiment, updatedAt)
	if err != nil {
		return Result{}, fmt.Errorf("attaching %d items to narrative %s: %w", len(memberIDs), target.ID, err)
	}
	if linked < len(memberIDs) {
		slog.Info("some memberships already present, skipped",
			"narrative_id", target.ID, "requested", len(memberIDs), "linked", linked)
	}
	return Result{NarrativeID: target.ID, Created: false, Linked: linked}, nil
}

func (a *Assembler) create(ctx context.Context, comp cluster.Component, memberIDs []string) (Result, error) {
	title, summary := a.synthesize(ctx, comp)

	n := &NewNarrative{
		ID:        uuid.NewString(),
		Title:     title,
		Summary:   summary,
		Sentiment: AggregateSentiment(comp.Members),
		CreatedAt: a.now(),
		UpdatedAt: latestPublished(comp.Members),
		MemberIDs: memberIDs,
	}

	linked, err := a.store.CreateNarrative(n)
	if err != nil {
		return Result{}, fmt.Errorf("creating narrative for %d items: %w", len(memberIDs), err)
	}
	return Result{NarrativeID: n.ID, Created: true, Linked: linked}, nil
}

// synthesize produces the display title and summary, delegating to the
// summarizer when configured and falling back to templated text.
func (a *Assembler) synthesize(ctx context.Context, comp cluster.Component) (string, string) {
	entities := TopEntities(comp, 3)
	headlines := headlines(comp, 5)

	if a.summarizer != nil {
		title, summary, err := a.summarizer.Summarize(ctx, headlines, entities)
		if err != nil {
			slog.Warn("summarizer failed, using templated title", "error", err)
		} else if title != "" && summary != "" {
			return title, summary
		}
	}
	return templatedTitle(entities), templatedSummary(comp, entities)
}

// TopEntities returns up to n display values of the component's most frequent
// entities, tickers first, most frequent first.
func TopEntities(comp cluster.Component, n int) []string {
	type stat struct {
		display string
		typ     cluster.EntityType
		count   int
	}
	byKey := make(map[string]*stat)
	for _, m := range comp.Members {
		for _, e := range m.Entities {
			key := e.Key()
			if s, ok := byKey[key]; ok {
				s.count++
			} else {
				display := e.Value
				if e.Type == cluster.TypeTicker {
					display = strings.ToUpper(e.Value)
				}
				byKey[key] = &stat{display: display, typ: e.Type, count: 1}
			}
		}
	}

	stats := make([]*stat, 0, len(byKey))
	for _, s := range byKey {
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].count != stats[j].count {
			return stats[i].count > stats[j].count
		}
		if stats[i].typ != stats[j].typ {
			return stats[i].typ == cluster.TypeTicker
		}
		return stats[i].display < stats[j].display
	})

	if len(stats) > n {
		stats = stats[:n]
	}
	out := make([]string, len(stats))
	for i, s := range stats {
		out[i] = s.display
	}
	return out
}

func headlines(comp cluster.Component, n int) []string {
	members := make([]cluster.Item, len(comp.Members))
	copy(members, comp.Members)
	sort.Slice(members, func(i, j int) bool {
		return members[i].PublishedAt.After(members[j].PublishedAt)
	})
	if len(members) > n {
		members = members[:n]
	}
	var out []string
	for _, m := range members {
		if m.Title != "" {
			out = append(out, m.Title)
		}
	}
	return out
}

func templatedTitle(entities []string) string {
	if len(entities) == 0 {
		return "Market discussion"
	}
	title := strings.Join(entities, ", ")
	if len(title) > 80 {
		title = title[:77] + "..."
	}
	return title
}

func templatedSummary(comp cluster.Component, entities []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d items discussing %s", len(comp.Members), strings.Join(entities, ", "))
	if hs := headlines(comp, 1); len(hs) > 0 {
		fmt.Fprintf(&sb, ". Latest: %s", hs[0])
	}
	return sb.String()
}

func latestPublished(items []cluster.Item) time.Time {
	var latest time.Time
	for _, it := range items {
		if it.PublishedAt.After(latest) {
			latest = it.PublishedAt
		}
	}
	return latest
}
