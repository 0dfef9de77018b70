package storage

import (
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates a Store backed by a temporary SQLite database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func saveItem(t *testing.T, s *Store, id string, publishedAt time.Time, sentiment string, entities ...Entity) {
	t.Helper()
	item := &ContentItem{
		ID:          id,
		SourceKind:  "news",
		Source:      "example.com",
		Title:       "headline " + id,
		Body:        "body " + id,
		Sentiment:   sentiment,
		PublishedAt: publishedAt.Unix(),
		IngestedAt:  publishedAt.Unix(),
	}
	for i := range entities {
		entities[i].ContentID = id
	}
	if err := s.SaveContentItem(item, entities); err != nil {
		t.Fatalf("SaveContentItem(%s): %v", id, err)
	}
}

func TestNew(t *testing.T) {
	t.Run("creates database and tables", func(t *testing.T) {
		s := newTestStore(t)
		for _, table := range []string{
			"content_items", "content_entities", "narratives",
			"narrative_members", "metric_snapshots", "stance_votes",
			"follower_links", "runs",
		} {
			if _, err := s.db.Exec("SELECT COUNT(*) FROM " + table); err != nil {
				t.Errorf("%s table missing: %v", table, err)
			}
		}
	})

	t.Run("invalid path returns error", func(t *testing.T) {
		_, err := New("/nonexistent/dir/db.sqlite")
		if err == nil {
			t.Fatal("expected error for invalid path, got nil")
		}
	})
}

func TestUnclusteredSince(t *testing.T) {
	s := newTestStore(t)
	saveItem(t, s, "recent", testNow.Add(-time.Hour), "bullish", Entity{Value: "BTC", Type: "ticker"})
	saveItem(t, s, "stale", testNow.Add(-72*time.Hour), "")
	saveItem(t, s, "clustered", testNow.Add(-time.Hour), "")

	n := &Narrative{ID: "n1", Title: "t", CreatedAt: testNow.Unix(), UpdatedAt: testNow.Unix()}
	if _, err := s.CreateNarrative(n, []string{"clustered"}); err != nil {
		t.Fatalf("CreateNarrative: %v", err)
	}

	items, err := s.UnclusteredSince(testNow.Add(-48 * time.Hour))
	if err != nil {
		t.Fatalf("UnclusteredSince: %v", err)
	}
	if len(items) != 1 || items[0].ID != "recent" {
		t.Fatalf("items = %+v, want only 'recent'", items)
	}
	if items[0].Sentiment != "bullish" {
		t.Errorf("Sentiment = %q, want bullish", items[0].Sentiment)
	}
}

func TestEntitiesForContent(t *testing.T) {
	s := newTestStore(t)
	saveItem(t, s, "a", testNow, "",
		Entity{Value: "BTC", Type: "ticker"},
		Entity{Value: "ETF", Type: "keyword"},
	)
	saveItem(t, s, "b", testNow, "", Entity{Value: "Fed", Type: "keyword"})

	t.Run("grouped by content id", func(t *testing.T) {
		got, err := s.EntitiesForContent([]string{"a", "b"})
		if err != nil {
			t.Fatalf("EntitiesForContent: %v", err)
		}
		if len(got["a"]) != 2 {
			t.Errorf("entities for a = %v, want 2", got["a"])
		}
		if len(got["b"]) != 1 {
			t.Errorf("entities for b = %v, want 1", got["b"])
		}
	})

	t.Run("empty input", func(t *testing.T) {
		got, err := s.EntitiesForContent(nil)
		if err != nil {
			t.Fatalf("EntitiesForContent(nil): %v", err)
		}
		if len(got) != 0 {
			t.Errorf("got = %v, want empty", got)
		}
	})

	t.Run("duplicate tag ignored on save", func(t *testing.T) {
		saveItem(t, s, "a", testNow, "", Entity{Value: "BTC", Type: "ticker"})
		got, err := s.EntitiesForContent([]string{"a"})
		if err != nil {
			t.Fatalf("EntitiesForContent: %v", err)
		}
		if len(got["a"]) != 2 {
			t.Errorf("entities for a = %v, want 2 after duplicate save", got["a"])
		}
	})
}

func TestCreateNarrative(t *testing.T) {
	s := newTestStore(t)
	saveItem(t, s, "a", testNow, "bullish", Entity{Value: "BTC", Type: "ticker"})
	saveItem(t, s, "b", testNow, "bearish", Entity{Value: "btc", Type: "ticker"})

	n := &Narrative{
		ID: "n1", Title: "BTC", Summary: "sum", Sentiment: "neutral",
		CreatedAt: testNow.Unix(), UpdatedAt: testNow.Unix(),
	}
	linked, err := s.CreateNarrative(n, []string{"a", "b"})
	if err != nil {
		t.Fatalf("CreateNarrative: %v", err)
	}
	if linked != 2 {
		t.Errorf("linked = %d, want 2", linked)
	}

	t.Run("members are exclusive", func(t *testing.T) {
		n2 := &Narrative{ID: "n2", Title: "other", CreatedAt: testNow.Unix(), UpdatedAt: testNow.Unix()}
		linked, err := s.CreateNarrative(n2, []string{"a"})
		if err != nil {
			t.Fatalf("CreateNarrative(n2): %v", err)
		}
		if linked != 0 {
			t.Errorf("linked = %d, want 0 (item already clustered)", linked)
		}

		var owner string
		if err := s.db.QueryRow(`SELECT narrative_id FROM narrative_members WHERE content_id = 'a'`).Scan(&owner); err != nil {
			t.Fatalf("query member: %v", err)
		}
		if owner != "n1" {
			t.Errorf("owner = %q, want n1", owner)
		}
	})

	t.Run("duplicate narrative id fails atomically", func(t *testing.T) {
		saveItem(t, s, "c", testNow, "")
		dup := &Narrative{ID: "n1", Title: "dup", CreatedAt: testNow.Unix(), UpdatedAt: testNow.Unix()}
		if _, err := s.CreateNarrative(dup, []string{"c"}); err == nil {
			t.Fatal("expected error for duplicate narrative id")
		}
		// The membership for c must not survive the rolled-back transaction.
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM narrative_members WHERE content_id = 'c'`).Scan(&count); err != nil {
			t.Fatalf("query member: %v", err)
		}
		if count != 0 {
			t.Errorf("membership rows for c = %d, want 0", count)
		}
	})

	t.Run("entity keys for narrative fold case", func(t *testing.T) {
		keys, err := s.EntityKeysForNarrative("n1")
		if err != nil {
			t.Fatalf("EntityKeysForNarrative: %v", err)
		}
		if len(keys) != 1 {
			t.Errorf("keys = %v, want single folded ticker:btc", keys)
		}
		if _, ok := keys["ticker:btc"]; !ok {
			t.Errorf("keys = %v, want ticker:btc", keys)
		}
	})
}

func TestAttachToNarrative(t *testing.T) {
	s := newTestStore(t)
	saveItem(t, s, "a", testNow.Add(-2*time.Hour), "bullish")
	saveItem(t, s, "b", testNow, "bearish")

	n := &Narrative{ID: "n1", Title: "t", Sentiment: "bullish", CreatedAt: testNow.Unix(), UpdatedAt: testNow.Add(-2 * time.Hour).Unix()}
	if _, err := s.CreateNarrative(n, []string{"a"}); err != nil {
		t.Fatalf("CreateNarrative: %v", err)
	}

	linked, err := s.AttachToNarrative("n1", []string{"b"}, "neutral", testNow)
	if err != nil {
		t.Fatalf("AttachToNarrative: %v", err)
	}
	if linked != 1 {
		t.Errorf("linked = %d, want 1", linked)
	}

	narratives, err := s.ListNarratives()
	if err != nil {
		t.Fatalf("ListNarratives: %v", err)
	}
	if len(narratives) != 1 {
		t.Fatalf("narratives = %d, want 1", len(narratives))
	}
	if narratives[0].Sentiment != "neutral" {
		t.Errorf("sentiment = %q, want neutral", narratives[0].Sentiment)
	}
	if narratives[0].UpdatedAt != testNow.Unix() {
		t.Errorf("updated_at = %d, want %d", narratives[0].UpdatedAt, testNow.Unix())
	}

	t.Run("re-attach is idempotent", func(t *testing.T) {
		linked, err := s.AttachToNarrative("n1", []string{"b"}, "neutral", testNow)
		if err != nil {
			t.Fatalf("AttachToNarrative (repeat): %v", err)
		}
		if linked != 0 {
			t.Errorf("linked = %d, want 0 on repeat", linked)
		}
	})

	t.Run("unknown narrative fails", func(t *testing.T) {
		if _, err := s.AttachToNarrative("missing", []string{"a"}, "neutral", testNow); err == nil {
			t.Fatal("expected error for unknown narrative")
		}
	})
}

func TestRecentMembers(t *testing.T) {
	s := newTestStore(t)
	saveItem(t, s, "old", testNow.Add(-30*time.Hour), "bullish")
	saveItem(t, s, "new", testNow.Add(-30*time.Minute), "bearish")

	n := &Narrative{ID: "n1", Title: "t", CreatedAt: testNow.Unix(), UpdatedAt: testNow.Unix()}
	if _, err := s.CreateNarrative(n, []string{"old", "new"}); err != nil {
		t.Fatalf("CreateNarrative: %v", err)
	}

	recent, err := s.RecentMembers("n1", testNow.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentMembers: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "new" {
		t.Errorf("recent = %+v, want only 'new'", recent)
	}

	all, err := s.MemberItems("n1")
	if err != nil {
		t.Fatalf("MemberItems: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all members = %d, want 2", len(all))
	}
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)

	t.Run("latest is nil before any write", func(t *testing.T) {
		snap, err := s.LatestSnapshot("n1", "1h")
		if err != nil {
			t.Fatalf("LatestSnapshot: %v", err)
		}
		if snap != nil {
			t.Errorf("snap = %+v, want nil", snap)
		}
	})

	first := &MetricSnapshot{
		NarrativeID: "n1", Period: "1h", CalculatedAt: testNow.Unix(),
		MentionCount: 3, Bullish: 2, Bearish: 1,
	}
	if err := s.WriteSnapshot(first); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	t.Run("null growth round-trips as nil", func(t *testing.T) {
		snap, err := s.LatestSnapshot("n1", "1h")
		if err != nil {
			t.Fatalf("LatestSnapshot: %v", err)
		}
		if snap == nil {
			t.Fatal("snap = nil, want row")
		}
		if snap.Growth != nil {
			t.Errorf("Growth = %d, want nil", *snap.Growth)
		}
		if snap.MentionCount != 3 || snap.Bullish != 2 || snap.Bearish != 1 {
			t.Errorf("snapshot = %+v", snap)
		}
	})

	t.Run("latest returns most recent row", func(t *testing.T) {
		growth := 2
		second := &MetricSnapshot{
			NarrativeID: "n1", Period: "1h", CalculatedAt: testNow.Add(time.Hour).Unix(),
			MentionCount: 5, Growth: &growth,
		}
		if err := s.WriteSnapshot(second); err != nil {
			t.Fatalf("WriteSnapshot: %v", err)
		}

		snap, err := s.LatestSnapshot("n1", "1h")
		if err != nil {
			t.Fatalf("LatestSnapshot: %v", err)
		}
		if snap.MentionCount != 5 {
			t.Errorf("MentionCount = %d, want 5", snap.MentionCount)
		}
		if snap.Growth == nil || *snap.Growth != 2 {
			t.Errorf("Growth = %v, want 2", snap.Growth)
		}
	})

	t.Run("periods are independent", func(t *testing.T) {
		snap, err := s.LatestSnapshot("n1", "24h")
		if err != nil {
			t.Fatalf("LatestSnapshot: %v", err)
		}
		if snap != nil {
			t.Errorf("snap for 24h = %+v, want nil", snap)
		}
	})
}

func TestFollowAndStance(t *testing.T) {
	s := newTestStore(t)

	if err := s.Follow("n1", "u1"); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if err := s.Follow("n1", "u1"); err != nil {
		t.Fatalf("Follow (repeat): %v", err)
	}
	if err := s.Follow("n1", "u2"); err != nil {
		t.Fatalf("Follow: %v", err)
	}

	count, err := s.CountFollowers("n1")
	if err != nil {
		t.Fatalf("CountFollowers: %v", err)
	}
	if count != 2 {
		t.Errorf("followers = %d, want 2", count)
	}

	if err := s.Unfollow("n1", "u2"); err != nil {
		t.Fatalf("Unfollow: %v", err)
	}
	if count, _ = s.CountFollowers("n1"); count != 1 {
		t.Errorf("followers after unfollow = %d, want 1", count)
	}

	if err := s.SetStance("n1", "u1", "bullish"); err != nil {
		t.Fatalf("SetStance: %v", err)
	}
	if err := s.SetStance("n1", "u2", "bullish"); err != nil {
		t.Fatalf("SetStance: %v", err)
	}
	// u2 changes their mind; INSERT OR REPLACE keeps one vote per user.
	if err := s.SetStance("n1", "u2", "bearish"); err != nil {
		t.Fatalf("SetStance (replace): %v", err)
	}

	breakdown, err := s.StanceBreakdown("n1")
	if err != nil {
		t.Fatalf("StanceBreakdown: %v", err)
	}
	if breakdown["bullish"] != 1 || breakdown["bearish"] != 1 {
		t.Errorf("breakdown = %v, want bullish:1 bearish:1", breakdown)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	cutoff := testNow.Add(-30 * 24 * time.Hour)

	saveItem(t, s, "ancient", cutoff.Add(-time.Hour), "", Entity{Value: "BTC", Type: "ticker"})
	saveItem(t, s, "kept-member", cutoff.Add(-time.Hour), "")
	saveItem(t, s, "fresh", testNow, "")

	n := &Narrative{ID: "n1", Title: "t", CreatedAt: testNow.Unix(), UpdatedAt: testNow.Unix()}
	if _, err := s.CreateNarrative(n, []string{"kept-member"}); err != nil {
		t.Fatalf("CreateNarrative: %v", err)
	}

	t.Run("unclustered content", func(t *testing.T) {
		pruned, err := s.PruneUnclusteredBefore(cutoff)
		if err != nil {
			t.Fatalf("PruneUnclusteredBefore: %v", err)
		}
		if pruned != 1 {
			t.Errorf("pruned = %d, want 1", pruned)
		}

		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM content_items`).Scan(&count); err != nil {
			t.Fatalf("count items: %v", err)
		}
		if count != 2 {
			t.Errorf("remaining items = %d, want 2 (member and fresh kept)", count)
		}
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM content_entities WHERE content_id = 'ancient'`).Scan(&count); err != nil {
			t.Fatalf("count entities: %v", err)
		}
		if count != 0 {
			t.Errorf("entities for pruned item = %d, want 0", count)
		}
	})

	t.Run("snapshots", func(t *testing.T) {
		old := &MetricSnapshot{NarrativeID: "n1", Period: "1h", CalculatedAt: cutoff.Add(-time.Hour).Unix()}
		fresh := &MetricSnapshot{NarrativeID: "n1", Period: "1h", CalculatedAt: testNow.Unix()}
		if err := s.WriteSnapshot(old); err != nil {
			t.Fatalf("WriteSnapshot: %v", err)
		}
		if err := s.WriteSnapshot(fresh); err != nil {
			t.Fatalf("WriteSnapshot: %v", err)
		}

		pruned, err := s.PruneSnapshotsBefore(cutoff)
		if err != nil {
			t.Fatalf("PruneSnapshotsBefore: %v", err)
		}
		if pruned != 1 {
			t.Errorf("pruned = %d, want 1", pruned)
		}
	})
}

func TestRecordRun(t *testing.T) {
	s := newTestStore(t)
	rec := &RunRecord{
		StartedAt: testNow.Unix(), DurationMS: 120,
		Clusters: 3, Created: 2, Updated: 1, Linked: 9, Snapshots: 6, Failures: 0,
	}
	if err := s.RecordRun(rec); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	var clusters, linked int
	if err := s.db.QueryRow(`SELECT clusters, linked FROM runs ORDER BY id DESC LIMIT 1`).Scan(&clusters, &linked); err != nil {
		t.Fatalf("query run: %v", err)
	}
	if clusters != 3 || linked != 9 {
		t.Errorf("run row = clusters %d linked %d, want 3 and 9", clusters, linked)
	}
}
