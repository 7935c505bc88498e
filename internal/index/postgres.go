package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

// Postgres stores vectors in a pgvector column. Similarity queries use the
// cosine distance operator and convert distance back to similarity.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle. Schema is managed by the
// migrations directory, not here.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
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
INSERT INTO chunk_embeddings (chunk_id, document_id, workspace_id, content, metadata, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6::vector,NOW())
ON CONFLICT (chunk_id) DO UPDATE SET
  document_id = EXCLUDED.document_id,
  workspace_id = EXCLUDED.workspace_id,
  content = EXCLUDED.content,
  metadata = EXCLUDED.metadata,
  embedding = EXCLUDED.embedding,
  created_at = NOW();
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.ChunkID == "" {
			return fmt.Errorf("chunk_id required")
		}
		if rec.WorkspaceID == "" {
			return fmt.Errorf("workspace_id required")
		}
		var vectorLiteral string
		vectorLiteral, err = encodeVectorLiteral(rec.Vector)
		if err != nil {
			return err
		}
		meta := rec.Metadata
		if meta == nil {
			meta = map[string]interface{}{}
		}
		var metaBytes []byte
		metaBytes, err = json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err = stmt.ExecContext(ctx, rec.ChunkID, rec.DocumentID, rec.WorkspaceID, rec.Text, metaBytes, vectorLiteral); err != nil {
			return fmt.Errorf("upsert chunk embedding %s: %w", rec.ChunkID, err)
		}
	}
	return nil
}

func (p *Postgres) Query(ctx context.Context, workspaceID string, vector []float32, topK int, threshold float64) ([]Hit, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace_id required")
	}
	if topK <= 0 {
		topK = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT chunk_id, document_id, workspace_id, content, metadata, embedding <=> $1::vector AS distance
FROM chunk_embeddings
WHERE workspace_id = $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`, vecLiteral, workspaceID, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			hit       Hit
			metaBytes []byte
			distance  float64
		)
		if err := rows.Scan(&hit.ChunkID, &hit.DocumentID, &hit.WorkspaceID, &hit.Text, &metaBytes, &distance); err != nil {
			return nil, err
		}
		hit.Score = 1 - distance
		if hit.Score < threshold {
			continue
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &hit.Metadata)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (p *Postgres) DeleteDocument(ctx context.Context, workspaceID, documentID string) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM chunk_embeddings WHERE workspace_id = $1 AND document_id = $2`,
		workspaceID, documentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *Postgres) Count(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunk_embeddings WHERE workspace_id = $1`, workspaceID).Scan(&n)
	return n, err
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", value, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
