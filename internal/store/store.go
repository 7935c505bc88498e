package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/answerdesk/answerdesk/internal/chunking"
)

// Store persists chunk rows in Postgres.
type Store struct {
	DB *sql.DB
}

// New opens a Postgres connection and verifies it.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// SaveChunks writes a document's chunks in one transaction. Chunk indexes
// must be contiguous from zero; anything else is a caller bug and rejected
// outright.
func (s *Store) SaveChunks(ctx context.Context, documentID, workspaceID string, chunks []chunking.Chunk) error {
	if documentID == "" || workspaceID == "" {
		return fmt.Errorf("document_id and workspace_id required")
	}
	for i, c := range chunks {
		if c.Index != i {
			return fmt.Errorf("chunk indexes must be contiguous: got %d at position %d", c.Index, i)
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (chunk_id, document_id, workspace_id, text, chunk_index, metadata, importance_score, word_count, char_count, content_hash, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
ON CONFLICT (chunk_id) DO UPDATE SET
  text = EXCLUDED.text,
  chunk_index = EXCLUDED.chunk_index,
  metadata = EXCLUDED.metadata,
  importance_score = EXCLUDED.importance_score,
  word_count = EXCLUDED.word_count,
  char_count = EXCLUDED.char_count,
  content_hash = EXCLUDED.content_hash;
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta := c.Metadata
		if meta == nil {
			meta = map[string]interface{}{}
		}
		var metaBytes []byte
		metaBytes, err = json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata for chunk %s: %w", c.ID, err)
		}
		if _, err = stmt.ExecContext(ctx, c.ID, documentID, workspaceID, c.Text, c.Index,
			metaBytes, c.ImportanceScore, c.WordCount, c.CharCount, c.ContentHash); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

// GetChunks returns a document's chunks ordered by chunk index.
func (s *Store) GetChunks(ctx context.Context, documentID, workspaceID string, limit, offset int) ([]chunking.Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT chunk_id, document_id, workspace_id, text, chunk_index, metadata, importance_score, word_count, char_count, content_hash
FROM chunks
WHERE document_id = $1 AND workspace_id = $2
ORDER BY chunk_index
LIMIT $3 OFFSET $4
`, documentID, workspaceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chunking.Chunk
	for rows.Next() {
		var (
			c         chunking.Chunk
			metaBytes []byte
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.WorkspaceID, &c.Text, &c.Index,
			&metaBytes, &c.ImportanceScore, &c.WordCount, &c.CharCount, &c.ContentHash); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &c.Metadata)
		}
		if len(c.Metadata) == 0 {
			c.Metadata = nil
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChunks removes a document's chunks and reports how many went away.
func (s *Store) DeleteChunks(ctx context.Context, documentID, workspaceID string) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = $1 AND workspace_id = $2`, documentID, workspaceID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountChunks reports how many chunks a workspace holds.
func (s *Store) CountChunks(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE workspace_id = $1`, workspaceID).Scan(&n)
	return n, err
}
