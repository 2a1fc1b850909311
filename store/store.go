// Package store persists rendered document indexes, conversation turns and
// the answer log in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/docqa/indexer"
	"github.com/brunobiangulo/docqa/reasoning"
)

// ErrStoreClosed is returned by every operation after Close.
var ErrStoreClosed = errors.New("docqa: store closed")

// QueryLog represents a row in the query_log table.
type QueryLog struct {
	SessionID          string `json:"session_id"`
	Query              string `json:"query"`
	Answer             string `json:"answer"`
	Page               int    `json:"page"`
	ModelUsed          string `json:"model_used"`
	NotFound           bool   `json:"not_found"`
	CitationOutOfRange bool   `json:"citation_out_of_range"`
	PromptTokens       int    `json:"prompt_tokens"`
	CompletionTokens   int    `json:"completion_tokens"`
	ElapsedMs          int64  `json:"elapsed_ms"`
}

// Store wraps the SQLite database for all docqa persistence.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// New opens (or creates) a SQLite database at the given path and applies
// the schema and pending migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Index snapshots ---

// SaveIndex stores a rendered index under its content hash, replacing any
// previous snapshot of the same bytes.
func (s *Store) SaveIndex(ctx context.Context, hash, name string, pages []indexer.Page) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE content_hash = ?", hash); err != nil {
			return fmt.Errorf("clearing old snapshot: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO documents (content_hash, name, page_count) VALUES (?, ?, ?)",
			hash, name, len(pages))
		if err != nil {
			return fmt.Errorf("inserting document: %w", err)
		}
		docID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		pageStmt, err := tx.PrepareContext(ctx,
			"INSERT INTO pages (document_id, number, text, regions, degraded) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer pageStmt.Close()

		imgStmt, err := tx.PrepareContext(ctx,
			"INSERT INTO page_images (document_id, page_number, position, data) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer imgStmt.Close()

		for _, p := range pages {
			if _, err := pageStmt.ExecContext(ctx, docID, p.Number, p.Text, p.Regions, p.Degraded); err != nil {
				return fmt.Errorf("inserting page %d: %w", p.Number, err)
			}
			for i, img := range p.Images {
				if _, err := imgStmt.ExecContext(ctx, docID, p.Number, i, img); err != nil {
					return fmt.Errorf("inserting image %d of page %d: %w", i, p.Number, err)
				}
			}
		}
		return nil
	})
}

// LoadIndex returns the snapshot stored for hash. found is false when there
// is none.
func (s *Store) LoadIndex(ctx context.Context, hash string) (name string, pages []indexer.Page, found bool, err error) {
	if s.closed.Load() {
		return "", nil, false, ErrStoreClosed
	}

	var docID int64
	var count int
	err = s.db.QueryRowContext(ctx,
		"SELECT id, name, page_count FROM documents WHERE content_hash = ?", hash,
	).Scan(&docID, &name, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("loading document: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT number, text, regions, degraded FROM pages WHERE document_id = ? ORDER BY number", docID)
	if err != nil {
		return "", nil, false, err
	}
	pages = make([]indexer.Page, 0, count)
	byNumber := make(map[int]int, count)
	for rows.Next() {
		var p indexer.Page
		if err := rows.Scan(&p.Number, &p.Text, &p.Regions, &p.Degraded); err != nil {
			rows.Close()
			return "", nil, false, err
		}
		byNumber[p.Number] = len(pages)
		pages = append(pages, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", nil, false, err
	}
	if len(pages) != count {
		return "", nil, false, fmt.Errorf("snapshot %s is incomplete: %d of %d pages", hash, len(pages), count)
	}

	imgRows, err := s.db.QueryContext(ctx,
		"SELECT page_number, data FROM page_images WHERE document_id = ? ORDER BY page_number, position", docID)
	if err != nil {
		return "", nil, false, err
	}
	defer imgRows.Close()
	for imgRows.Next() {
		var n int
		var data []byte
		if err := imgRows.Scan(&n, &data); err != nil {
			return "", nil, false, err
		}
		if i, ok := byNumber[n]; ok {
			pages[i].Images = append(pages[i].Images, data)
		}
	}
	if err := imgRows.Err(); err != nil {
		return "", nil, false, err
	}
	return name, pages, true, nil
}

// --- Conversation turns ---

// AppendTurn records one turn of a session.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, t reasoning.Turn) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO turns (session_id, role, text) VALUES (?, ?, ?)",
		sessionID, t.Role, t.Text)
	return err
}

// Turns returns the most recent limit turns of a session, oldest first.
// limit <= 0 returns all of them.
func (s *Store) Turns(ctx context.Context, sessionID string, limit int) ([]reasoning.Turn, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, text FROM (
			SELECT id, role, text FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []reasoning.Turn
	for rows.Next() {
		var t reasoning.Turn
		if err := rows.Scan(&t.Role, &t.Text); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ClearTurns deletes every turn of a session.
func (s *Store) ClearTurns(ctx context.Context, sessionID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM turns WHERE session_id = ?", sessionID)
	return err
}

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (session_id, query, answer, page, model_used, not_found, citation_out_of_range, prompt_tokens, completion_tokens, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.SessionID, q.Query, q.Answer, q.Page, q.ModelUsed, q.NotFound, q.CitationOutOfRange,
		q.PromptTokens, q.CompletionTokens, q.ElapsedMs)
	return err
}

// DBStats holds row counts for the main tables.
type DBStats struct {
	Documents int `json:"documents"`
	Pages     int `json:"pages"`
	Images    int `json:"images"`
	Turns     int `json:"turns"`
	Queries   int `json:"queries"`
}

// DBStats returns row counts for documents, pages, images, turns and queries.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM pages", &stats.Pages},
		{"SELECT COUNT(*) FROM page_images", &stats.Images},
		{"SELECT COUNT(*) FROM turns", &stats.Turns},
		{"SELECT COUNT(*) FROM query_log", &stats.Queries},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
