package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kaiku-voice/kaiku/internal/dialog"
)

// CallSummary is one row of the call listing.
type CallSummary struct {
	CallID     string
	ArchivedAt time.Time
	TurnCount  int
}

// SearchOpts narrows a transcript [Store.Search].
type SearchOpts struct {
	// CallID restricts results to one call when non-empty.
	CallID string

	// Role restricts results to turns by one speaker ("user", "assistant").
	Role string

	// After and Before bound the turn timestamp when non-zero.
	After  time.Time
	Before time.Time

	// Limit caps the number of results; 0 means unlimited.
	Limit int
}

// SearchResult is one matching turn with the call it belongs to.
type SearchResult struct {
	CallID string
	Turn   dialog.Turn
}

// Archive implements [call.Archiver]. It writes the full turn log of a
// finished call in one transaction. Re-archiving the same call replaces the
// stored transcript.
func (s *Store) Archive(ctx context.Context, callID string, turns []dialog.Turn) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: archive %s: begin: %w", callID, err)
	}
	defer tx.Rollback(ctx)

	const upsertCall = `
		INSERT INTO calls (call_id, archived_at, turn_count)
		VALUES ($1, now(), $2)
		ON CONFLICT (call_id) DO UPDATE
		SET archived_at = now(), turn_count = EXCLUDED.turn_count`
	if _, err := tx.Exec(ctx, upsertCall, callID, len(turns)); err != nil {
		return fmt.Errorf("store: archive %s: upsert call: %w", callID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM call_turns WHERE call_id = $1`, callID); err != nil {
		return fmt.Errorf("store: archive %s: clear turns: %w", callID, err)
	}

	const insertTurn = `
		INSERT INTO call_turns
		    (call_id, seq, role, text, confidence, intent, sentiment, cancelled, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for i, t := range turns {
		ts := t.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.Exec(ctx, insertTurn,
			callID,
			i,
			string(t.Role),
			t.Text,
			t.Confidence,
			string(t.Intent),
			string(t.Sentiment),
			t.Cancelled,
			ts,
		); err != nil {
			return fmt.Errorf("store: archive %s: insert turn %d: %w", callID, i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: archive %s: commit: %w", callID, err)
	}
	return nil
}

// Transcript returns the archived turns of one call in original order.
// A call that was never archived yields an empty slice, not an error.
func (s *Store) Transcript(ctx context.Context, callID string) ([]dialog.Turn, error) {
	const q = `
		SELECT role, text, confidence, intent, sentiment, cancelled, timestamp
		FROM   call_turns
		WHERE  call_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("store: transcript %s: %w", callID, err)
	}
	return collectTurns(rows)
}

// ListCalls returns archived calls, most recent first. limit <= 0 means
// unlimited.
func (s *Store) ListCalls(ctx context.Context, limit int) ([]CallSummary, error) {
	q := `
		SELECT call_id, archived_at, turn_count
		FROM   calls
		ORDER  BY archived_at DESC`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		q += "\nLIMIT $1"
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list calls: %w", err)
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CallSummary, error) {
		var cs CallSummary
		err := row.Scan(&cs.CallID, &cs.ArchivedAt, &cs.TurnCount)
		return cs, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: list calls: scan: %w", err)
	}
	if summaries == nil {
		summaries = []CallSummary{}
	}
	return summaries, nil
}

// Delete removes a call and its turns. Deleting an unknown call is not an
// error.
func (s *Store) Delete(ctx context.Context, callID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM calls WHERE call_id = $1`, callID); err != nil {
		return fmt.Errorf("store: delete %s: %w", callID, err)
	}
	return nil
}

// Search performs a PostgreSQL full-text search over archived turn text and
// applies optional filters from opts. The query is passed to plainto_tsquery
// so no special operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]SearchResult, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.CallID != "" {
		conditions = append(conditions, "call_id = "+next(opts.CallID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT call_id, role, text, confidence, intent, sentiment, cancelled, timestamp\n" +
		"FROM   call_turns\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SearchResult, error) {
		var (
			r                      SearchResult
			role, intent, sentiment string
		)
		if err := row.Scan(
			&r.CallID,
			&role,
			&r.Turn.Text,
			&r.Turn.Confidence,
			&intent,
			&sentiment,
			&r.Turn.Cancelled,
			&r.Turn.Timestamp,
		); err != nil {
			return SearchResult{}, err
		}
		r.Turn.Role = dialog.Role(role)
		r.Turn.Intent = dialog.Intent(intent)
		r.Turn.Sentiment = dialog.Sentiment(sentiment)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: search: scan: %w", err)
	}
	if results == nil {
		results = []SearchResult{}
	}
	return results, nil
}

// collectTurns scans pgx rows into a slice of dialog turns.
func collectTurns(rows pgx.Rows) ([]dialog.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (dialog.Turn, error) {
		var (
			t                      dialog.Turn
			role, intent, sentiment string
		)
		if err := row.Scan(
			&role,
			&t.Text,
			&t.Confidence,
			&intent,
			&sentiment,
			&t.Cancelled,
			&t.Timestamp,
		); err != nil {
			return dialog.Turn{}, err
		}
		t.Role = dialog.Role(role)
		t.Intent = dialog.Intent(intent)
		t.Sentiment = dialog.Sentiment(sentiment)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan turns: %w", err)
	}
	if turns == nil {
		turns = []dialog.Turn{}
	}
	return turns, nil
}
