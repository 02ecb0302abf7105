package store_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kaiku-voice/kaiku/internal/dialog"
	"github.com/kaiku-voice/kaiku/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if KAIKU_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("KAIKU_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KAIKU_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] with a clean schema.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS call_turns CASCADE",
		"DROP TABLE IF EXISTS calls CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}

	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func sampleTurns(now time.Time) []dialog.Turn {
	return []dialog.Turn{
		{Role: dialog.RoleUser, Text: "Do you deliver to Helsinki?", Confidence: 0.95, Timestamp: now.Add(-2 * time.Minute)},
		{Role: dialog.RoleAssistant, Text: "Yes, we deliver across the capital region.", Timestamp: now.Add(-90 * time.Second)},
		{Role: dialog.RoleUser, Text: "Great, what are the shipping costs?", Confidence: 0.88, Timestamp: now.Add(-1 * time.Minute)},
		{Role: dialog.RoleAssistant, Text: "Shipping is free for orders over", Cancelled: true, Timestamp: now.Add(-30 * time.Second)},
	}
}

func TestArchiveAndTranscript(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	turns := sampleTurns(time.Now())
	if err := st.Archive(ctx, "call-1", turns); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got, err := st.Transcript(ctx, "call-1")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(got) != len(turns) {
		t.Fatalf("Transcript: want %d turns, got %d", len(turns), len(got))
	}
	for i := range turns {
		if got[i].Role != turns[i].Role {
			t.Errorf("turn %d role: want %q, got %q", i, turns[i].Role, got[i].Role)
		}
		if got[i].Text != turns[i].Text {
			t.Errorf("turn %d text: want %q, got %q", i, turns[i].Text, got[i].Text)
		}
	}
	if !got[3].Cancelled {
		t.Error("turn 3 should round-trip Cancelled=true")
	}
	if got[0].Confidence != 0.95 {
		t.Errorf("turn 0 confidence: want 0.95, got %v", got[0].Confidence)
	}
}

func TestArchive_Rearchive_Replaces(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Archive(ctx, "call-1", sampleTurns(time.Now())); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	short := []dialog.Turn{
		{Role: dialog.RoleUser, Text: "Hello again.", Timestamp: time.Now()},
	}
	if err := st.Archive(ctx, "call-1", short); err != nil {
		t.Fatalf("Archive again: %v", err)
	}

	got, err := st.Transcript(ctx, "call-1")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("re-archive should replace turns: want 1, got %d", len(got))
	}
}

func TestTranscript_UnknownCall(t *testing.T) {
	st := newTestStore(t)

	got, err := st.Transcript(context.Background(), "never-archived")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unknown call: want 0 turns, got %d", len(got))
	}
}

func TestListCalls(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"call-a", "call-b", "call-c"} {
		if err := st.Archive(ctx, id, sampleTurns(time.Now())); err != nil {
			t.Fatalf("Archive %s: %v", id, err)
		}
	}

	all, err := st.ListCalls(ctx, 0)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListCalls: want 3, got %d", len(all))
	}
	for _, cs := range all {
		if cs.TurnCount != 4 {
			t.Errorf("ListCalls %s: want turn_count=4, got %d", cs.CallID, cs.TurnCount)
		}
	}

	limited, err := st.ListCalls(ctx, 2)
	if err != nil {
		t.Fatalf("ListCalls limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ListCalls limit=2: want 2, got %d", len(limited))
	}
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Archive(ctx, "call-1", sampleTurns(time.Now())); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := st.Delete(ctx, "call-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := st.Transcript(ctx, "call-1")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("after delete: want 0 turns, got %d", len(got))
	}

	// Delete non-existent is not an error.
	if err := st.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Delete non-existent: unexpected error: %v", err)
	}
}

func TestSearch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	if err := st.Archive(ctx, "call-1", sampleTurns(now)); err != nil {
		t.Fatalf("Archive call-1: %v", err)
	}
	if err := st.Archive(ctx, "call-2", []dialog.Turn{
		{Role: dialog.RoleUser, Text: "I want to cancel my subscription.", Timestamp: now},
	}); err != nil {
		t.Fatalf("Archive call-2: %v", err)
	}

	tests := []struct {
		name      string
		query     string
		opts      store.SearchOpts
		wantCount int
		wantText  string
	}{
		{
			name:      "shipping costs",
			query:     "shipping costs",
			opts:      store.SearchOpts{CallID: "call-1"},
			wantCount: 2,
			wantText:  "shipping",
		},
		{
			name:      "role filter",
			query:     "deliver",
			opts:      store.SearchOpts{CallID: "call-1", Role: "user"},
			wantCount: 1,
		},
		{
			name:      "cross-call",
			query:     "cancel subscription",
			opts:      store.SearchOpts{},
			wantCount: 1,
			wantText:  "subscription",
		},
		{
			name:      "no match",
			query:     "weather forecast",
			opts:      store.SearchOpts{},
			wantCount: 0,
		},
		{
			name:      "limit",
			query:     "deliver",
			opts:      store.SearchOpts{Limit: 1},
			wantCount: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			results, err := st.Search(ctx, tc.query, tc.opts)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(results) != tc.wantCount {
				t.Errorf("want %d results, got %d", tc.wantCount, len(results))
			}
			if tc.wantText != "" && len(results) > 0 {
				if !strings.Contains(strings.ToLower(results[0].Turn.Text), tc.wantText) {
					t.Errorf("want %q in first result, got %q", tc.wantText, results[0].Turn.Text)
				}
			}
		})
	}
}

func TestPing(t *testing.T) {
	st := newTestStore(t)
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
