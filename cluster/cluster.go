// Package cluster groups recent content items into candidate narrative
// clusters by shared-entity overlap.
package cluster

import (
	"sort"
	"strings"
	"time"
)

// EntityType distinguishes the two kinds of tagged entities. A ticker and a
// keyword with the same string never match each other.
type EntityType string

const (
	TypeTicker  EntityType = "ticker"
	TypeKeyword EntityType = "keyword"
)

// Entity is a single tag extracted from a content item.
type Entity struct {
	Value string
	Type  EntityType
}

// Key returns the normalized comparison key for the entity. Matching is
// case-insensitive and type-aware.
func (e Entity) Key() string {
	return string(e.Type) + ":" + strings.ToLower(e.Value)
}

// Item is a unified view of one piece of content (news article or social
// post) eligible for clustering.
type Item struct {
	ID          string
	Title       string
	SourceKind  string // "news" or "social"
	PublishedAt time.Time
	Sentiment   string // "bullish", "bearish", "neutral", or "" if unknown
	Entities    []Entity
}

// EntityKeys returns the set of normalized entity keys for the item.
func (it Item) EntityKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(it.Entities))
	for _, e := range it.Entities {
		keys[e.Key()] = struct{}{}
	}
	return keys
}

// Component is one connected component of the entity-overlap graph: a
// candidate narrative cluster. Members are sorted by ID so detection output
// is deterministic regardless of input order.
type Component struct {
	Members    []Item
	EntityKeys map[string]struct{}
}

// LatestPublished returns the most recent PublishedAt among members.
func (c Component) LatestPublished() time.Time {
	var latest time.Time
	for _, m := range c.Members {
		if m.PublishedAt.After(latest) {
			latest = m.PublishedAt
		}
	}
	return latest
}

// Params controls graph construction and component filtering.
type Params struct {
	MinShared int // S: minimum shared entities for an edge
	MinSize   int // M: minimum members for a component to qualify
}

// Detect builds the entity-overlap graph over items and returns its connected
// components with at least MinSize members. Two items are connected when they
// share at least MinShared normalized entity keys; connectivity is transitive,
// so items with no direct overlap may still land in the same component.
// Items with no entities never appear in any component.
func Detect(items []Item, p Params) []Component {
	if p.MinShared < 1 {
		p.MinShared = 1
	}
	if p.MinSize < 2 {
		p.MinSize = 2
	}

	// Work on a sorted copy so component numbering does not depend on the
	// caller's ordering.
	eligible := make([]Item, 0, len(items))
	for _, it := range items {
		if len(it.Entities) > 0 {
			eligible = append(eligible, it)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	uf := newUnionFind(len(eligible))

	// Bucket item indexes by entity key.
	buckets := make(map[string][]int)
	for i, it := range eligible {
		for key := range it.EntityKeys() {
			buckets[key] = append(buckets[key], i)
		}
	}

	if p.MinShared == 1 {
		// Any shared entity links the whole bucket.
		for _, idxs := range buckets {
			for _, idx := range idxs[1:] {
				uf.union(idxs[0], idx)
			}
		}
	} else {
		// Count shared entities per item pair, then link pairs at the
		// threshold. Buckets are sorted index slices, so i < j always.
		type pair struct{ a, b int }
		shared := make(map[pair]int)
		for _, idxs := range buckets {
			for i := 0; i < len(idxs); i++ {
				for j := i + 1; j < len(idxs); j++ {
					shared[pair{idxs[i], idxs[j]}]++
				}
			}
		}
		for pr, n := range shared {
			if n >= p.MinShared {
				uf.union(pr.a, pr.b)
			}
		}
	}

	// Gather components keyed by root.
	groups := make(map[int][]Item)
	for i := range eligible {
		root := uf.find(i)
		groups[root] = append(groups[root], eligible[i])
	}

	var components []Component
	for _, members := range groups {
		if len(members) < p.MinSize {
			continue
		}
		keys := make(map[string]struct{})
		for _, m := range members {
			for k := range m.EntityKeys() {
				keys[k] = struct{}{}
			}
		}
		components = append(components, Component{Members: members, EntityKeys: keys})
	}

	// Members within a group are already ID-ordered; order components by
	// their smallest member ID.
	sort.Slice(components, func(i, j int) bool {
		return components[i].Members[0].ID < components[j].Members[0].ID
	})

	return components
}

// unionFind is a standard disjoint-set with path compression and union by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.size[ra] < uf.size[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
}
