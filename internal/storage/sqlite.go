package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/fitscope/internal/metrics"
)

// deleteBatch bounds the number of bound parameters per DELETE ... IN (...).
const deleteBatch = 500

// Store is the persistent response store: responses, insights and a small
// key/value table, all in one SQLite database.
type Store struct {
	db     *sql.DB
	mode   Mode
	now    func() time.Time
	closed atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry decisions (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database. Any failure is
// reported wrapped in ErrUnavailable so callers can choose memory-only mode.
func Open(dataDir string, opts ...Option) (*Store, error) {
	var dsn string
	mode := ModeDurable
	if dataDir == ":memory:" {
		dsn = ":memory:"
		mode = ModeMemory
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating data directory: %w", ErrUnavailable, err)
		}
		dsn = filepath.Join(dataDir, "fitscope.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %w", ErrUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging database: %w", ErrUnavailable, err)
	}

	// Limit to single connection to avoid "database is locked" errors and to
	// keep an in-memory database alive for the lifetime of the Store.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: setting busy timeout: %w", ErrUnavailable, err)
	}
	if mode == ModeDurable {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: setting journal mode: %w", ErrUnavailable, err)
		}
	}

	s := &Store{db: db, mode: mode, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: running migrations: %w", ErrUnavailable, err)
	}

	return s, nil
}

// OpenMemory opens a store that lives only as long as the process.
func OpenMemory(opts ...Option) (*Store, error) {
	return Open(":memory:", opts...)
}

// Mode reports whether the store is durable or memory-only.
func (s *Store) Mode() Mode {
	return s.mode
}

// Close closes the underlying database connection. Every later call fails
// with ErrUnavailable.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrUnavailable
	}
	return nil
}

// --- Responses ---

const responseColumns = `id, idea, source, endpoint, payload, schema_version, created_at, expires_at, metadata, derived_insights`

// Put upserts a response by id. The whole record is replaced, including the
// indexed expires_at column, so an in-place refresh with a shorter TTL is
// visible to the expiry sweep immediately.
func (s *Store) Put(ctx context.Context, r StoredResponse) error {
	if err := s.check(); err != nil {
		return err
	}
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if r.CreatedAt.IsZero() || r.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: response %s: created_at and expires_at are required", ErrInvalidRecord, r.ID)
	}
	if !r.ExpiresAt.After(r.CreatedAt) {
		return fmt.Errorf("%w: response %s: expires_at must be after created_at", ErrInvalidRecord, r.ID)
	}

	version := r.SchemaVersion
	if version == 0 {
		version = CurrentSchemaVersion
	}
	payload := []byte(r.Payload)
	if payload == nil {
		payload = []byte{}
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	var derived sql.NullString
	if r.DerivedInsights != nil {
		b, err := json.Marshal(r.DerivedInsights)
		if err != nil {
			return fmt.Errorf("marshaling derived insights: %w", err)
		}
		derived = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responses (`+responseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			idea = excluded.idea,
			source = excluded.source,
			endpoint = excluded.endpoint,
			payload = excluded.payload,
			schema_version = excluded.schema_version,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata,
			derived_insights = excluded.derived_insights`,
		r.ID, r.Idea, r.Source, r.Endpoint, payload, version,
		r.CreatedAt.UnixMilli(), r.ExpiresAt.UnixMilli(), string(meta), derived,
	)
	if err != nil {
		return fmt.Errorf("upserting response %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the response with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (StoredResponse, error) {
	if err := s.check(); err != nil {
		return StoredResponse{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE id = ?`, id)
	r, err := scanResponse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredResponse{}, ErrNotFound
	}
	return r, err
}

// GetByIdea returns every response recorded for idea, newest first.
func (s *Store) GetByIdea(ctx context.Context, idea string) ([]StoredResponse, error) {
	return s.queryResponses(ctx, `SELECT `+responseColumns+` FROM responses WHERE idea = ? ORDER BY created_at DESC`, idea)
}

// GetBySource returns every response from source, newest first.
func (s *Store) GetBySource(ctx context.Context, source string) ([]StoredResponse, error) {
	return s.queryResponses(ctx, `SELECT `+responseColumns+` FROM responses WHERE source = ? ORDER BY created_at DESC`, source)
}

// GetRecent returns at most limit responses, newest first.
func (s *Store) GetRecent(ctx context.Context, limit int) ([]StoredResponse, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryResponses(ctx, `SELECT `+responseColumns+` FROM responses ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *Store) queryResponses(ctx context.Context, query string, args ...any) ([]StoredResponse, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []StoredResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResponse(sc scanner) (StoredResponse, error) {
	var r StoredResponse
	var payload []byte
	var createdAt, expiresAt int64
	var meta string
	var derived sql.NullString
	if err := sc.Scan(&r.ID, &r.Idea, &r.Source, &r.Endpoint, &payload, &r.SchemaVersion, &createdAt, &expiresAt, &meta, &derived); err != nil {
		return StoredResponse{}, err
	}
	r.Payload = json.RawMessage(payload)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return StoredResponse{}, fmt.Errorf("parsing metadata for %s: %w", r.ID, err)
		}
	}
	if derived.Valid && derived.String != "" {
		var d DerivedInsights
		if err := json.Unmarshal([]byte(derived.String), &d); err != nil {
			return StoredResponse{}, fmt.Errorf("parsing derived insights for %s: %w", r.ID, err)
		}
		r.DerivedInsights = &d
	}
	return r, nil
}

// AttachInsights merges derived interpretations into an existing response.
func (s *Store) AttachInsights(ctx context.Context, id string, d DerivedInsights) error {
	if err := s.check(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning attach transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT derived_insights FROM responses WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var merged DerivedInsights
	if current.Valid && current.String != "" {
		if err := json.Unmarshal([]byte(current.String), &merged); err != nil {
			return fmt.Errorf("parsing derived insights for %s: %w", id, err)
		}
	}
	merged.merge(d)

	b, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshaling derived insights: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE responses SET derived_insights = ? WHERE id = ?`, string(b), id); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearExpired deletes every response whose expires_at is at or before now
// and returns how many were removed.
//
// The scan walks idx_responses_expires in ascending order and stops at the
// first live record: everything after it expires no earlier, so nothing
// expired can remain further down the index.
func (s *Store) ClearExpired(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning sweep transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, expires_at FROM responses INDEXED BY idx_responses_expires ORDER BY expires_at ASC`)
	if err != nil {
		return 0, fmt.Errorf("scanning expiry index: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		var expiresAt int64
		if err := rows.Scan(&id, &expiresAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning expiry row: %w", err)
		}
		if expiresAt > now {
			break
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterating expiry index: %w", err)
	}
	rows.Close()

	if len(expired) == 0 {
		return 0, nil
	}
	for start := 0; start < len(expired); start += deleteBatch {
		end := min(start+deleteBatch, len(expired))
		if err := deleteIDs(ctx, tx, "responses", expired[start:end]); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing sweep: %w", err)
	}

	metrics.StoreSweptRecords.Add(float64(len(expired)))
	return len(expired), nil
}

func deleteIDs(ctx context.Context, tx *sql.Tx, table string, ids []string) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `DELETE FROM ` + table + ` WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	return nil
}

// ClearAll empties responses, insights and meta and returns the number of
// responses removed.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	var responses int64
	for _, table := range []string{"responses", "insights", "meta"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table)
		if err != nil {
			return 0, fmt.Errorf("clearing %s: %w", table, err)
		}
		if table == "responses" {
			if responses, err = res.RowsAffected(); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(responses), nil
}

// ClearForIdea removes the responses and insights recorded for idea and
// returns the number of responses removed.
func (s *Store) ClearForIdea(ctx context.Context, idea string) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE idea = ?`, idea)
	if err != nil {
		return 0, fmt.Errorf("clearing responses for idea: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM insights WHERE idea = ?`, idea); err != nil {
		return 0, fmt.Errorf("clearing insights for idea: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- Insights ---

// PutInsight upserts an insight by id.
func (s *Store) PutInsight(ctx context.Context, in Insight) error {
	if err := s.check(); err != nil {
		return err
	}
	if in.ID == "" {
		return fmt.Errorf("%w: empty insight id", ErrInvalidRecord)
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	data := string(in.Data)
	if data == "" {
		data = "{}"
	}
	ids := in.SourceResponseIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshaling source response ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO insights (id, idea, tile_type, data, confidence, created_at, source_response_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			idea = excluded.idea,
			tile_type = excluded.tile_type,
			data = excluded.data,
			confidence = excluded.confidence,
			created_at = excluded.created_at,
			source_response_ids = excluded.source_response_ids`,
		in.ID, in.Idea, in.TileType, data, in.Confidence, createdAt.UnixMilli(), string(idsJSON),
	)
	return err
}

const insightColumns = `id, idea, tile_type, data, confidence, created_at, source_response_ids`

// GetInsight returns the insight with the given id, or ErrNotFound.
func (s *Store) GetInsight(ctx context.Context, id string) (Insight, error) {
	if err := s.check(); err != nil {
		return Insight{}, err
	}
	in, err := scanInsight(s.db.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Insight{}, ErrNotFound
	}
	return in, err
}

// InsightsForIdea returns the insights recorded for idea, newest first.
func (s *Store) InsightsForIdea(ctx context.Context, idea string) ([]Insight, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE idea = ? ORDER BY created_at DESC`, idea)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, in)
	}
	return results, rows.Err()
}

func scanInsight(sc scanner) (Insight, error) {
	var in Insight
	var data, ids string
	var createdAt int64
	if err := sc.Scan(&in.ID, &in.Idea, &in.TileType, &data, &in.Confidence, &createdAt, &ids); err != nil {
		return Insight{}, err
	}
	in.Data = json.RawMessage(data)
	in.CreatedAt = time.UnixMilli(createdAt).UTC()
	if err := json.Unmarshal([]byte(ids), &in.SourceResponseIDs); err != nil {
		return Insight{}, fmt.Errorf("parsing source response ids for %s: %w", in.ID, err)
	}
	return in, nil
}

// --- Meta ---

// SetMeta stores a small process-wide setting.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UnixMilli(),
	)
	return err
}

// GetMeta returns the value stored under key, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// --- Accounting ---

// EstimateUsage reports the database size and the engine's page quota in
// bytes. It never fails: anything the engine cannot report comes back as zero.
func (s *Store) EstimateUsage(ctx context.Context) Usage {
	if s.check() != nil {
		return Usage{}
	}
	var pageSize, pageCount, maxPages int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return Usage{}
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return Usage{}
	}
	var u Usage
	u.Used = pageSize * pageCount
	if err := s.db.QueryRowContext(ctx, "PRAGMA max_page_count").Scan(&maxPages); err == nil {
		u.Quota = pageSize * maxPages
	}
	return u
}

// Stats counts rows per table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := s.check(); err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, c := range []struct {
		table string
		dst   *int
	}{
		{"responses", &st.Responses},
		{"insights", &st.Insights},
		{"meta", &st.Meta},
	} {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}
	return st, nil
}
