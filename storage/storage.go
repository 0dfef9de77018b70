package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ContentItem is a stored piece of market content (news article or social
// post). Content rows are owned by the ingestion side; the engine only reads
// them and records narrative memberships.
type ContentItem struct {
	ID          string
	SourceKind  string // "news" or "social"
	Source      string // publisher domain or social platform account
	Platform    string
	Title       string
	Body        string
	Sentiment   string // "bullish", "bearish", "neutral", or "" if unknown
	PublishedAt int64  // Unix timestamp, authoritative for windowing
	IngestedAt  int64
}

// Entity is one tag extracted from a content item.
type Entity struct {
	ContentID string
	Value     string
	Type      string // "ticker" or "keyword"
}

// Narrative is a stored narrative cluster.
type Narrative struct {
	ID        string
	Title     string
	Summary   string
	Sentiment string
	CreatedAt int64
	UpdatedAt int64 // latest constituent publishedAt, not wall clock
}

// MetricSnapshot is one append-only metric row. Growth is nil when no prior
// snapshot existed for the (narrative, period) pair.
type MetricSnapshot struct {
	ID           int64
	NarrativeID  string
	Period       string
	CalculatedAt int64
	MentionCount int
	Bullish      int
	Bearish      int
	Neutral      int
	Growth       *int
}

// RunRecord summarizes one engine run for operator dashboards.
type RunRecord struct {
	StartedAt  int64
	DurationMS int64
	Clusters   int
	Created    int
	Updated    int
	Linked     int
	Snapshots  int
	Failures   int
}

// Store provides SQLite-backed persistence for content, entities, narratives,
// memberships, metric snapshots, and the follow/stance tables.
type Store struct {
	db *sql.DB
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS content_items (
	id TEXT PRIMARY KEY,
	source_kind TEXT NOT NULL,
	source TEXT,
	platform TEXT,
	title TEXT,
	body TEXT,
	sentiment TEXT,
	published_at INTEGER NOT NULL,
	ingested_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_content_published ON content_items(published_at);

CREATE TABLE IF NOT EXISTS content_entities (
	content_id TEXT NOT NULL,
	value TEXT NOT NULL,
	type TEXT NOT NULL,
	PRIMARY KEY (content_id, value, type)
);

CREATE TABLE IF NOT EXISTS narratives (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	summary TEXT,
	sentiment TEXT,
	created_at INTEGER,
	updated_at INTEGER
);

-- content_id is the primary key: an item can belong to at most one narrative,
-- enforced by the schema rather than query discipline.
CREATE TABLE IF NOT EXISTS narrative_members (
	content_id TEXT PRIMARY KEY,
	narrative_id TEXT NOT NULL,
	linked_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_members_narrative ON narrative_members(narrative_id);

CREATE TABLE IF NOT EXISTS metric_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	narrative_id TEXT NOT NULL,
	period TEXT NOT NULL,
	calculated_at INTEGER NOT NULL,
	mention_count INTEGER NOT NULL,
	bullish INTEGER NOT NULL,
	bearish INTEGER NOT NULL,
	neutral INTEGER NOT NULL,
	growth INTEGER
);
CREATE INDEX IF NOT EXISTS idx_snapshots_lookup ON metric_snapshots(narrative_id, period, calculated_at);

CREATE TABLE IF NOT EXISTS stance_votes (
	narrative_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	stance TEXT NOT NULL,
	voted_at INTEGER,
	PRIMARY KEY (narrative_id, user_id)
);

CREATE TABLE IF NOT EXISTS follower_links (
	narrative_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	followed_at INTEGER,
	PRIMARY KEY (narrative_id, user_id)
);

CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at INTEGER NOT NULL,
	duration_ms INTEGER,
	clusters INTEGER,
	created INTEGER,
	updated INTEGER,
	linked INTEGER,
	snapshots INTEGER,
	failures INTEGER
);
`

// New opens the SQLite database at dbPath, creates tables if they don't
// exist, and returns a Store.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}

	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveContentItem inserts or replaces a content item and its entity tags.
// This is the ingestion-side surface; the engine itself never calls it.
func (s *Store) SaveContentItem(item *ContentItem, entities []Entity) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin save content: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO content_items
		 (id, source_kind, source, platform, title, body, sentiment, published_at, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.SourceKind, item.Source, item.Platform, item.Title, item.Body,
		item.Sentiment, item.PublishedAt, item.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save content item %s: %w", item.ID, err)
	}

	for _, e := range entities {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO content_entities (content_id, value, type) VALUES (?, ?, ?)`,
			item.ID, e.Value, e.Type,
		); err != nil {
			return fmt.Errorf("storage: save entity %q for %s: %w", e.Value, item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit save content: %w", err)
	}
	return nil
}

// UnclusteredSince returns content items published at or after since that do
// not belong to any narrative yet.
func (s *Store) UnclusteredSince(since time.Time) ([]ContentItem, error) {
	rows, err := s.db.Query(
		`SELECT c.id, c.source_kind, c.source, c.platform, c.title, c.body,
		        COALESCE(c.sentiment, ''), c.published_at, c.ingested_at
		 FROM content_items c
		 LEFT JOIN narrative_members m ON m.content_id = c.id
		 WHERE m.content_id IS NULL AND c.published_at >= ?
		 ORDER BY c.id`, since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unclustered content: %w", err)
	}
	defer rows.Close()

	var items []ContentItem
	for rows.Next() {
		var c ContentItem
		if err := rows.Scan(&c.ID, &c.SourceKind, &c.Source, &c.Platform, &c.Title, &c.Body,
			&c.Sentiment, &c.PublishedAt, &c.IngestedAt); err != nil {
			return nil, fmt.Errorf("storage: scan content item: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate unclustered content: %w", err)
	}
	return items, nil
}

// EntitiesForContent returns the entity tags for the given content IDs,
// grouped by content ID.
func (s *Store) EntitiesForContent(contentIDs []string) (map[string][]Entity, error) {
	out := make(map[string][]Entity, len(contentIDs))
	if len(contentIDs) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(contentIDs)-1) + "?"
	args := make([]any, len(contentIDs))
	for i, id := range contentIDs {
		args[i] = id
	}

	rows, err := s.db.Query(
		`SELECT content_id, value, type FROM content_entities
		 WHERE content_id IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ContentID, &e.Value, &e.Type); err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		out[e.ContentID] = append(out[e.ContentID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate entities: %w", err)
	}
	return out, nil
}

// NarrativesSince returns narratives whose updated_at is at or after since.
func (s *Store) NarrativesSince(since time.Time) ([]Narrative, error) {
	return s.queryNarratives(`WHERE updated_at >= ?`, since.Unix())
}

// ListNarratives returns all narratives.
func (s *Store) ListNarratives() ([]Narrative, error) {
	return s.queryNarratives("")
}

func (s *Store) queryNarratives(where string, args ...any) ([]Narrative, error) {
	rows, err := s.db.Query(
		`SELECT id, title, COALESCE(summary, ''), COALESCE(sentiment, ''), created_at, updated_at
		 FROM narratives `+where+` ORDER BY updated_at DESC, id`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list narratives: %w", err)
	}
	defer rows.Close()

	var narratives []Narrative
	for rows.Next() {
		var n Narrative
		if err := rows.Scan(&n.ID, &n.Title, &n.Summary, &n.Sentiment, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan narrative: %w", err)
		}
		narratives = append(narratives, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate narratives: %w", err)
	}
	return narratives, nil
}

// EntityKeysForNarrative returns the union of normalized entity keys
// ("type:lowercase(value)") across a narrative's members.
func (s *Store) EntityKeysForNarrative(narrativeID string) (map[string]struct{}, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT e.type || ':' || LOWER(e.value)
		 FROM narrative_members m
		 JOIN content_entities e ON e.content_id = m.content_id
		 WHERE m.narrative_id = ?`, narrativeID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: entity keys for narrative %s: %w", narrativeID, err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("storage: scan entity key: %w", err)
		}
		keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate entity keys: %w", err)
	}
	return keys, nil
}

// CreateNarrative inserts a narrative and its initial memberships in one
// transaction. Membership rows use INSERT OR IGNORE so an already-clustered
// item (a benign re-run conflict) is skipped rather than failing the cluster.
// Returns the number of memberships actually linked.
func (s *Store) CreateNarrative(n *Narrative, memberIDs []string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("storage: begin create narrative: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO narratives (id, title, summary, sentiment, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.Summary, n.Sentiment, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: create narrative %s: %w", n.ID, err)
	}

	linked, err := insertMembers(tx, n.ID, memberIDs)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit create narrative: %w", err)
	}
	return linked, nil
}

// AttachToNarrative links new members and updates the narrative's aggregate
// sentiment and updated_at in one transaction. Returns the number of
// memberships actually linked.
func (s *Store) AttachToNarrative(narrativeID string, memberIDs []string, sentiment string, updatedAt time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("storage: begin attach: %w", err)
	}
	defer tx.Rollback()

	linked, err := insertMembers(tx, narrativeID, memberIDs)
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec(
		`UPDATE narratives SET sentiment = ?, updated_at = ? WHERE id = ?`,
		sentiment, updatedAt.Unix(), narrativeID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: update narrative %s: %w", narrativeID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, fmt.Errorf("storage: narrative %s not found", narrativeID)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit attach: %w", err)
	}
	return linked, nil
}

func insertMembers(tx *sql.Tx, narrativeID string, memberIDs []string) (int, error) {
	now := time.Now().Unix()
	linked := 0
	for _, contentID := range memberIDs {
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO narrative_members (content_id, narrative_id, linked_at)
			 VALUES (?, ?, ?)`,
			contentID, narrativeID, now,
		)
		if err != nil {
			return 0, fmt.Errorf("storage: link %s to narrative %s: %w", contentID, narrativeID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			linked++
		}
	}
	return linked, nil
}

// MemberItems returns all content items belonging to a narrative.
func (s *Store) MemberItems(narrativeID string) ([]ContentItem, error) {
	return s.memberItems(narrativeID, 0)
}

// RecentMembers returns a narrative's content items published at or after since.
func (s *Store) RecentMembers(narrativeID string, since time.Time) ([]ContentItem, error) {
	return s.memberItems(narrativeID, since.Unix())
}

func (s *Store) memberItems(narrativeID string, sinceUnix int64) ([]ContentItem, error) {
	rows, err := s.db.Query(
		`SELECT c.id, c.source_kind, c.source, c.platform, c.title, c.body,
		        COALESCE(c.sentiment, ''), c.published_at, c.ingested_at
		 FROM narrative_members m
		 JOIN content_items c ON c.id = m.content_id
		 WHERE m.narrative_id = ? AND c.published_at >= ?
		 ORDER BY c.published_at DESC`, narrativeID, sinceUnix,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: members of narrative %s: %w", narrativeID, err)
	}
	defer rows.Close()

	var items []ContentItem
	for rows.Next() {
		var c ContentItem
		if err := rows.Scan(&c.ID, &c.SourceKind, &c.Source, &c.Platform, &c.Title, &c.Body,
			&c.Sentiment, &c.PublishedAt, &c.IngestedAt); err != nil {
			return nil, fmt.Errorf("storage: scan member item: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate member items: %w", err)
	}
	return items, nil
}

// WriteSnapshot appends one metric snapshot row.
func (s *Store) WriteSnapshot(snap *MetricSnapshot) error {
	var growth sql.NullInt64
	if snap.Growth != nil {
		growth = sql.NullInt64{Int64: int64(*snap.Growth), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO metric_snapshots
		 (narrative_id, period, calculated_at, mention_count, bullish, bearish, neutral, growth)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.NarrativeID, snap.Period, snap.CalculatedAt, snap.MentionCount,
		snap.Bullish, snap.Bearish, snap.Neutral, growth,
	)
	if err != nil {
		return fmt.Errorf("storage: write snapshot for %s/%s: %w", snap.NarrativeID, snap.Period, err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for a (narrative, period)
// pair, or nil if none exists yet.
func (s *Store) LatestSnapshot(narrativeID, period string) (*MetricSnapshot, error) {
	var snap MetricSnapshot
	var growth sql.NullInt64
	err := s.db.QueryRow(
		`SELECT id, narrative_id, period, calculated_at, mention_count, bullish, bearish, neutral, growth
		 FROM metric_snapshots
		 WHERE narrative_id = ? AND period = ?
		 ORDER BY calculated_at DESC, id DESC LIMIT 1`, narrativeID, period,
	).Scan(&snap.ID, &snap.NarrativeID, &snap.Period, &snap.CalculatedAt, &snap.MentionCount,
		&snap.Bullish, &snap.Bearish, &snap.Neutral, &growth)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: latest snapshot for %s/%s: %w", narrativeID, period, err)
	}
	if growth.Valid {
		g := int(growth.Int64)
		snap.Growth = &g
	}
	return &snap, nil
}

// Follow records that a user follows a narrative. Idempotent.
func (s *Store) Follow(narrativeID, userID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO follower_links (narrative_id, user_id, followed_at) VALUES (?, ?, ?)`,
		narrativeID, userID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("storage: follow narrative %s: %w", narrativeID, err)
	}
	return nil
}

// Unfollow removes a user's follow link.
func (s *Store) Unfollow(narrativeID, userID string) error {
	_, err := s.db.Exec(
		`DELETE FROM follower_links WHERE narrative_id = ? AND user_id = ?`,
		narrativeID, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: unfollow narrative %s: %w", narrativeID, err)
	}
	return nil
}

// CountFollowers returns how many users follow a narrative.
func (s *Store) CountFollowers(narrativeID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM follower_links WHERE narrative_id = ?`, narrativeID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count followers of %s: %w", narrativeID, err)
	}
	return count, nil
}

// SetStance inserts or replaces a user's stance on a narrative.
func (s *Store) SetStance(narrativeID, userID, stance string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO stance_votes (narrative_id, user_id, stance, voted_at) VALUES (?, ?, ?, ?)`,
		narrativeID, userID, stance, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("storage: set stance on %s: %w", narrativeID, err)
	}
	return nil
}

// StanceBreakdown returns vote counts per stance for a narrative.
func (s *Store) StanceBreakdown(narrativeID string) (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT stance, COUNT(*) FROM stance_votes WHERE narrative_id = ? GROUP BY stance`,
		narrativeID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stance breakdown for %s: %w", narrativeID, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var stance string
		var count int
		if err := rows.Scan(&stance, &count); err != nil {
			return nil, fmt.Errorf("storage: scan stance: %w", err)
		}
		out[stance] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate stances: %w", err)
	}
	return out, nil
}

// PruneSnapshotsBefore deletes metric snapshots calculated before cutoff.
func (s *Store) PruneSnapshotsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM metric_snapshots WHERE calculated_at < ?`, cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneUnclusteredBefore deletes content items published before cutoff that
// never joined a narrative, along with their entity tags.
func (s *Store) PruneUnclusteredBefore(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("storage: begin prune: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM content_entities WHERE content_id IN (
			SELECT c.id FROM content_items c
			LEFT JOIN narrative_members m ON m.content_id = c.id
			WHERE m.content_id IS NULL AND c.published_at < ?
		)`, cutoff.Unix(),
	); err != nil {
		return 0, fmt.Errorf("storage: prune entities: %w", err)
	}

	res, err := tx.Exec(
		`DELETE FROM content_items WHERE id IN (
			SELECT c.id FROM content_items c
			LEFT JOIN narrative_members m ON m.content_id = c.id
			WHERE m.content_id IS NULL AND c.published_at < ?
		)`, cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordRun appends one engine run summary row.
func (s *Store) RecordRun(r *RunRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (started_at, duration_ms, clusters, created, updated, linked, snapshots, failures)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StartedAt, r.DurationMS, r.Clusters, r.Created, r.Updated, r.Linked, r.Snapshots, r.Failures,
	)
	if err != nil {
		return fmt.Errorf("storage: record run: %w", err)
	}
	return nil
}
