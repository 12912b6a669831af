package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func openTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := OpenMemory(WithClock(clock.Now))
	require.NoError(t, err, "OpenMemory")
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func testResponse(id, idea, source string, created time.Time, ttl time.Duration) StoredResponse {
	return StoredResponse{
		ID:        id,
		Idea:      idea,
		Source:    source,
		Endpoint:  "analyze",
		Payload:   json.RawMessage(`{"score":0.8}`),
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
		Metadata: Metadata{
			Query:      idea,
			Topics:     []string{"pets", "local services"},
			Confidence: 0.8,
		},
	}
}

// TestMigrationsIdempotent runs Open twice on the same directory and verifies
// the migration is not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	v1, err := s1.SchemaVersion()
	require.NoError(t, err)
	assert.Positive(t, v1)
	s1.Close()

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	v2, err := s2.SchemaVersion()
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, ModeDurable, s2.Mode())
}

func TestOpen_RefusesNewerSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 999")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(dir)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "newer than this build supports")
}

func TestLoadMigrations(t *testing.T) {
	got, err := loadMigrations(fstest.MapFS{
		"migrations/010_later.sql":   {Data: []byte("SELECT 10;")},
		"migrations/002_second.sql":  {Data: []byte("SELECT 2;")},
		"migrations/001_initial.sql": {Data: []byte("SELECT 1;")},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{got[0].version, got[1].version, got[2].version})
	assert.Equal(t, "SELECT 2;", got[1].sql)

	tests := map[string]fstest.MapFS{
		"no version": {"migrations/initial.sql": {}},
		"zero":       {"migrations/000_x.sql": {}},
		"duplicate":  {"migrations/001_a.sql": {}, "migrations/001_b.sql": {}},
		"empty":      {},
	}
	for name, fsys := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadMigrations(fsys)
			assert.Error(t, err)
		})
	}
}

func TestIndexesExist(t *testing.T) {
	s, _ := openTestStore(t)

	indexes := []string{
		"idx_responses_idea", "idx_responses_source", "idx_responses_created", "idx_responses_expires",
		"idx_insights_idea", "idx_insights_tile",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "index %q missing", idx)
	}
}

func TestOpen_UnavailableWhenDirIsAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClosedStoreFailsClosed(t *testing.T) {
	s, clock := openTestStore(t)
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Put(ctx, testResponse("r1", "idea", "llm", clock.Now(), time.Hour)), ErrUnavailable)
	_, err := s.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.ClearExpired(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.GetMeta(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, Usage{}, s.EstimateUsage(ctx))
}

func TestPutAndGet(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	want := testResponse("r1", "dog walking app", "openrouter", clock.Now(), time.Hour)
	want.DerivedInsights = &DerivedInsights{Sentiment: json.RawMessage(`{"positive":0.7}`)}
	require.NoError(t, s.Put(ctx, want))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, want.Idea, got.Idea)
	assert.Equal(t, want.Source, got.Source)
	assert.JSONEq(t, string(want.Payload), string(got.Payload))
	assert.Equal(t, CurrentSchemaVersion, got.SchemaVersion)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, want.Metadata, got.Metadata)
	require.NotNil(t, got.DerivedInsights)
	assert.JSONEq(t, `{"positive":0.7}`, string(got.DerivedInsights.Sentiment))
}

func TestGet_NotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPut_RejectsExpiryNotAfterCreation(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	same := testResponse("r1", "idea", "llm", clock.Now(), 0)
	assert.ErrorIs(t, s.Put(ctx, same), ErrInvalidRecord)

	backwards := testResponse("r2", "idea", "llm", clock.Now(), -time.Minute)
	assert.ErrorIs(t, s.Put(ctx, backwards), ErrInvalidRecord)

	noID := testResponse("", "idea", "llm", clock.Now(), time.Hour)
	assert.ErrorIs(t, s.Put(ctx, noID), ErrInvalidRecord)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Responses)
}

func TestPut_UpsertReplacesWholeRecord(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	first := testResponse("r1", "idea", "llm", clock.Now(), time.Hour)
	first.DerivedInsights = &DerivedInsights{Trends: json.RawMessage(`[1,2]`)}
	require.NoError(t, s.Put(ctx, first))

	second := testResponse("r1", "idea", "llm", clock.Now(), 2*time.Hour)
	second.Payload = json.RawMessage(`{"score":0.1}`)
	require.NoError(t, s.Put(ctx, second))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":0.1}`, string(got.Payload))
	assert.True(t, second.ExpiresAt.Equal(got.ExpiresAt))
	assert.Nil(t, got.DerivedInsights, "upsert replaces the whole record")
}

func TestSecondaryLookups(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	base := clock.Now()
	require.NoError(t, s.Put(ctx, testResponse("a", "idea-1", "openrouter", base, time.Hour)))
	require.NoError(t, s.Put(ctx, testResponse("b", "idea-1", "ollama", base.Add(time.Second), time.Hour)))
	require.NoError(t, s.Put(ctx, testResponse("c", "idea-2", "openrouter", base.Add(2*time.Second), time.Hour)))

	byIdea, err := s.GetByIdea(ctx, "idea-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(byIdea))

	bySource, err := s.GetBySource(ctx, "openrouter")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(bySource))

	recent, err := s.GetRecent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(recent))

	none, err := s.GetRecent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func ids(rs []StoredResponse) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestClearExpired_RemovesOnlyExpired(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	t0 := clock.Now()

	r1 := testResponse("r1", "idea", "llm", t0.Add(-time.Hour), time.Hour-time.Second) // expires t0-1s
	r2 := testResponse("r2", "idea", "llm", t0.Add(-time.Minute), time.Hour+time.Minute)
	require.NoError(t, s.Put(ctx, r1))
	require.NoError(t, s.Put(ctx, r2))

	n, err := s.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "r2")
	assert.NoError(t, err)

	n, err = s.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep with no writes removes nothing")
}

func TestClearExpired_BoundaryIsInclusive(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	r := testResponse("edge", "idea", "llm", clock.Now().Add(-time.Minute), time.Minute) // expires exactly now
	require.NoError(t, s.Put(ctx, r))

	n, err := s.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClearExpired_ManyRecordsAcrossBatches(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	t0 := clock.Now()

	for i := 0; i < deleteBatch+20; i++ {
		r := testResponse(fmt.Sprintf("old-%d", i), "idea", "llm", t0.Add(-2*time.Hour), time.Duration(i+1)*time.Second)
		require.NoError(t, s.Put(ctx, r))
	}
	for i := 0; i < 5; i++ {
		r := testResponse(fmt.Sprintf("live-%d", i), "idea", "llm", t0, time.Duration(i+1)*time.Hour)
		require.NoError(t, s.Put(ctx, r))
	}

	n, err := s.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, deleteBatch+20, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Responses)
}

// An in-place refresh that shortens the TTL must be seen by the sweep even
// though the record was first indexed with a later expiry.
func TestClearExpired_SeesShortenedTTL(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	t0 := clock.Now()

	require.NoError(t, s.Put(ctx, testResponse("a", "idea", "llm", t0, 3*time.Hour)))
	require.NoError(t, s.Put(ctx, testResponse("b", "idea", "llm", t0, 2*time.Hour)))

	// Refresh "a" with a TTL that puts it before "b" in the expiry index.
	require.NoError(t, s.Put(ctx, testResponse("a", "idea", "llm", t0, 10*time.Minute)))

	clock.Advance(30 * time.Minute)
	n, err := s.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "b")
	assert.NoError(t, err)
}

func TestClearForIdea(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testResponse("a", "idea-1", "llm", clock.Now(), time.Hour)))
	require.NoError(t, s.Put(ctx, testResponse("b", "idea-2", "llm", clock.Now(), time.Hour)))
	require.NoError(t, s.PutInsight(ctx, Insight{ID: "i1", Idea: "idea-1", TileType: "sentiment"}))
	require.NoError(t, s.PutInsight(ctx, Insight{ID: "i2", Idea: "idea-2", TileType: "sentiment"}))

	n, err := s.ClearForIdea(ctx, "idea-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Responses: 1, Insights: 1}, st)
}

func TestClearAll(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testResponse("a", "idea", "llm", clock.Now(), time.Hour)))
	require.NoError(t, s.Put(ctx, testResponse("b", "other", "llm", clock.Now(), time.Hour)))
	require.NoError(t, s.PutInsight(ctx, Insight{ID: "i1", Idea: "idea", TileType: "sentiment"}))
	require.NoError(t, s.SetMeta(ctx, "last_full_refresh", "x"))

	n, err := s.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)
}

func TestInsightProvenanceIsWeak(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testResponse("r1", "idea", "llm", clock.Now().Add(-2*time.Hour), time.Hour)))
	require.NoError(t, s.PutInsight(ctx, Insight{
		ID:                "i1",
		Idea:              "idea",
		TileType:          "sentiment",
		Data:              json.RawMessage(`{"label":"positive"}`),
		Confidence:        0.8,
		SourceResponseIDs: []string{"r1"},
	}))

	_, err := s.ClearExpired(ctx)
	require.NoError(t, err)

	in, err := s.GetInsight(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, in.SourceResponseIDs)
	assert.InDelta(t, 0.8, in.Confidence, 1e-9)

	list, err := s.InsightsForIdea(ctx, "idea")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAttachInsights_Merges(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testResponse("r1", "idea", "llm", clock.Now(), time.Hour)))
	require.NoError(t, s.AttachInsights(ctx, "r1", DerivedInsights{Sentiment: json.RawMessage(`{"s":1}`)}))
	require.NoError(t, s.AttachInsights(ctx, "r1", DerivedInsights{Financial: json.RawMessage(`{"f":2}`)}))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.DerivedInsights)
	assert.JSONEq(t, `{"s":1}`, string(got.DerivedInsights.Sentiment))
	assert.JSONEq(t, `{"f":2}`, string(got.DerivedInsights.Financial))

	assert.ErrorIs(t, s.AttachInsights(ctx, "missing", DerivedInsights{}), ErrNotFound)
}

func TestMeta(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetMeta(ctx, "last_full_refresh")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetMeta(ctx, "last_full_refresh", "2026-03-01T12:00:00Z"))
	require.NoError(t, s.SetMeta(ctx, "last_full_refresh", "2026-03-02T12:00:00Z"))

	v, err := s.GetMeta(ctx, "last_full_refresh")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02T12:00:00Z", v)
}

func TestEstimateUsage(t *testing.T) {
	s, _ := openTestStore(t)
	u := s.EstimateUsage(context.Background())
	assert.Positive(t, u.Used)
	assert.GreaterOrEqual(t, u.Quota, u.Used)
}

func TestResponseID_Stable(t *testing.T) {
	a := ResponseID("dog walking app", "openrouter", "sentiment")
	b := ResponseID("dog walking app", "openrouter", "sentiment")
	c := ResponseID("dog walking app", "openrouter", "market_trends")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, ResponseID("ab", "c", "d"), ResponseID("a", "bc", "d"))
}

func TestInsightID_PerIdeaAndTile(t *testing.T) {
	assert.Equal(t, InsightID("dog walking app", "sentiment"), InsightID("dog walking app", "sentiment"))
	assert.NotEqual(t, InsightID("dog walking app", "sentiment"), InsightID("dog walking app", "financial"))
	assert.NotEqual(t, InsightID("dog walking app", "sentiment"), ResponseID("dog walking app", "sentiment", ""))
}
