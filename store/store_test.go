//go:build cgo

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/brunobiangulo/docqa/indexer"
	"github.com/brunobiangulo/docqa/reasoning"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}

	var version int
	if err := s.DB().QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("reading schema version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	s, err := New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(migrations) {
		t.Errorf("schema_version rows = %d, want %d", n, len(migrations))
	}
}

func TestMigrateDropsImagelessSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveIndex(ctx, "sha256:good", "good.pdf", samplePages()); err != nil {
		t.Fatal(err)
	}
	cut := []indexer.Page{
		{Number: 1, Text: "Cover", Images: [][]byte{[]byte("page-1")}},
		{Number: 2, Text: "Cut short"},
	}
	if err := s.SaveIndex(ctx, "sha256:cut", "cut.pdf", cut); err != nil {
		t.Fatal(err)
	}
	// Degraded pages legitimately have no images.
	blank := []indexer.Page{{Number: 1, Degraded: true}}
	if err := s.SaveIndex(ctx, "sha256:blank", "blank.pdf", blank); err != nil {
		t.Fatal(err)
	}

	// Pretend the database was written before version 4.
	if _, err := s.DB().Exec("DELETE FROM schema_version WHERE version >= 4"); err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	for hash, want := range map[string]bool{
		"sha256:good":  true,
		"sha256:cut":   false,
		"sha256:blank": true,
	} {
		_, _, found, err := s.LoadIndex(ctx, hash)
		if err != nil {
			t.Fatalf("LoadIndex(%s): %v", hash, err)
		}
		if found != want {
			t.Errorf("LoadIndex(%s): found = %v, want %v", hash, found, want)
		}
	}

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM page_images").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("page_images rows = %d, want 4 (cut snapshot cascaded)", n)
	}
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	s := newTestStore(t)
	next := len(migrations) + 1
	if _, err := s.DB().Exec("INSERT INTO schema_version (version, description) VALUES (?, 'future')", next); err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err == nil {
		t.Error("Migrate: expected error for a schema newer than the build")
	}
}

func TestAddColumnPresent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Already added by migration 2.
		if err := addColumn(ctx, tx, "query_log", "elapsed_ms", "INTEGER DEFAULT 0"); err != nil {
			return err
		}
		if err := addColumn(ctx, tx, "turns", "model", "TEXT"); err != nil {
			return err
		}
		has, err := hasColumn(ctx, tx, "turns", "model")
		if err != nil {
			return err
		}
		if !has {
			t.Error("turns.model missing after addColumn")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("addColumn: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Index snapshots
// ---------------------------------------------------------------------------

func samplePages() []indexer.Page {
	return []indexer.Page{
		{Number: 1, Text: "Introduction", Images: [][]byte{[]byte("page-1")}},
		{Number: 2, Text: "Figure 1", Regions: 2, Images: [][]byte{[]byte("crop-2a"), []byte("crop-2b")}},
		{Number: 3, Text: "", Degraded: true, Images: [][]byte{[]byte("page-3")}},
	}
}

func TestIndexSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveIndex(ctx, "abc", "manual.pdf", samplePages()); err != nil {
		t.Fatalf("SaveIndex: %v", err)
	}

	name, pages, found, err := s.LoadIndex(ctx, "abc")
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if !found || name != "manual.pdf" {
		t.Fatalf("LoadIndex: found=%v name=%q", found, name)
	}
	want := samplePages()
	if len(pages) != len(want) {
		t.Fatalf("pages: got %d, want %d", len(pages), len(want))
	}
	for i := range want {
		got := pages[i]
		if got.Number != want[i].Number || got.Text != want[i].Text ||
			got.Regions != want[i].Regions || got.Degraded != want[i].Degraded {
			t.Errorf("page %d: got %+v, want %+v", i+1, got, want[i])
		}
		if fmt.Sprintf("%q", got.Images) != fmt.Sprintf("%q", want[i].Images) {
			t.Errorf("page %d images: got %q, want %q", i+1, got.Images, want[i].Images)
		}
	}
}

func TestLoadIndexMissing(t *testing.T) {
	s := newTestStore(t)
	_, pages, found, err := s.LoadIndex(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if found || pages != nil {
		t.Errorf("LoadIndex: got found=%v pages=%v, want a miss", found, pages)
	}
}

func TestSaveIndexReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveIndex(ctx, "abc", "old.pdf", samplePages()); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveIndex(ctx, "abc", "new.pdf", samplePages()[:1]); err != nil {
		t.Fatalf("SaveIndex (replace): %v", err)
	}

	name, pages, _, err := s.LoadIndex(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if name != "new.pdf" || len(pages) != 1 {
		t.Errorf("got %q with %d pages, want new.pdf with 1", name, len(pages))
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Documents != 1 || stats.Pages != 1 || stats.Images != 1 {
		t.Errorf("stale rows left behind: %+v", stats)
	}
}

func TestSnapshotterInterface(t *testing.T) {
	var _ indexer.Snapshotter = newTestStore(t)
}

// ---------------------------------------------------------------------------
// Turns and query log
// ---------------------------------------------------------------------------

func TestTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := s.AppendTurn(ctx, "s1", reasoning.Turn{Role: "user", Text: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	if err := s.AppendTurn(ctx, "s2", reasoning.Turn{Role: "user", Text: "other"}); err != nil {
		t.Fatal(err)
	}

	all, err := s.Turns(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(all) != 5 || all[0].Text != "q1" || all[4].Text != "q5" {
		t.Errorf("Turns(all) = %v", all)
	}

	recent, err := s.Turns(ctx, "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Text != "q4" || recent[1].Text != "q5" {
		t.Errorf("Turns(2) = %v, want q4,q5", recent)
	}

	if err := s.ClearTurns(ctx, "s1"); err != nil {
		t.Fatalf("ClearTurns: %v", err)
	}
	if left, _ := s.Turns(ctx, "s1", 0); len(left) != 0 {
		t.Errorf("ClearTurns left %d turns", len(left))
	}
	if other, _ := s.Turns(ctx, "s2", 0); len(other) != 1 {
		t.Errorf("ClearTurns touched another session")
	}
}

func TestLogQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.LogQuery(ctx, QueryLog{
		SessionID:          "s1",
		Query:              "what colour is the valve?",
		Answer:             "Blue [PAGE: 9]",
		ModelUsed:          "gemini-2.5-flash",
		CitationOutOfRange: true,
		PromptTokens:       1200,
		CompletionTokens:   12,
		ElapsedMs:          830,
	})
	if err != nil {
		t.Fatalf("LogQuery: %v", err)
	}

	var outOfRange bool
	var elapsed int64
	if err := s.DB().QueryRow("SELECT citation_out_of_range, elapsed_ms FROM query_log").Scan(&outOfRange, &elapsed); err != nil {
		t.Fatal(err)
	}
	if !outOfRange || elapsed != 830 {
		t.Errorf("got out_of_range=%v elapsed=%d", outOfRange, elapsed)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	ctx := context.Background()
	checks := map[string]error{
		"SaveIndex":  s.SaveIndex(ctx, "h", "n", nil),
		"AppendTurn": s.AppendTurn(ctx, "s", reasoning.Turn{}),
		"ClearTurns": s.ClearTurns(ctx, "s"),
		"LogQuery":   s.LogQuery(ctx, QueryLog{}),
		"Migrate":    s.Migrate(ctx),
	}
	_, _, _, loadErr := s.LoadIndex(ctx, "h")
	checks["LoadIndex"] = loadErr
	_, turnsErr := s.Turns(ctx, "s", 0)
	checks["Turns"] = turnsErr

	for name, err := range checks {
		if !errors.Is(err, ErrStoreClosed) {
			t.Errorf("%s after Close: got %v, want ErrStoreClosed", name, err)
		}
	}
}
