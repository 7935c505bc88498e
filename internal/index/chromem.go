package index

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Chromem is an embedded vector index. Each workspace maps to its own
// collection, so isolation falls out of the collection boundary. Suited to
// single-node deployments that want persistence without Postgres.
type Chromem struct {
	db *chromem.DB
	mu sync.Mutex
}

// NewChromem builds an in-memory embedded index. path, when non-empty,
// enables persistence to disk.
func NewChromem(path string) (*Chromem, error) {
	if path == "" {
		return &Chromem{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &Chromem{db: db}, nil
}

func (c *Chromem) collection(workspaceID string) (*chromem.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, err := c.db.GetOrCreateCollection("ws-"+workspaceID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("collection for workspace %s: %w", workspaceID, err)
	}
	return col, nil
}

func (c *Chromem) Upsert(ctx context.Context, records []Record) error {
	byWorkspace := make(map[string][]chromem.Document)
	for _, rec := range records {
		if rec.ChunkID == "" || rec.WorkspaceID == "" {
			return fmt.Errorf("chunk_id and workspace_id required")
		}
		meta := map[string]string{"document_id": rec.DocumentID}
		for k, v := range rec.Metadata {
			meta[k] = fmt.Sprint(v)
		}
		byWorkspace[rec.WorkspaceID] = append(byWorkspace[rec.WorkspaceID], chromem.Document{
			ID:        rec.ChunkID,
			Content:   rec.Text,
			Metadata:  meta,
			Embedding: rec.Vector,
		})
	}
	for workspaceID, docs := range byWorkspace {
		col, err := c.collection(workspaceID)
		if err != nil {
			return err
		}
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("add documents to workspace %s: %w", workspaceID, err)
		}
	}
	return nil
}

func (c *Chromem) Query(ctx context.Context, workspaceID string, vector []float32, topK int, threshold float64) ([]Hit, error) {
	col, err := c.collection(workspaceID)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return []Hit{}, nil
	}
	if topK <= 0 || topK > count {
		topK = count
	}
	results, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query workspace %s: %w", workspaceID, err)
	}
	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		score := float64(res.Similarity)
		if score < threshold {
			continue
		}
		meta := make(map[string]interface{}, len(res.Metadata))
		documentID := ""
		for k, v := range res.Metadata {
			if k == "document_id" {
				documentID = v
				continue
			}
			meta[k] = v
		}
		if len(meta) == 0 {
			meta = nil
		}
		hits = append(hits, Hit{
			Record: Record{
				ChunkID:     res.ID,
				DocumentID:  documentID,
				WorkspaceID: workspaceID,
				Text:        res.Content,
				Metadata:    meta,
				Vector:      res.Embedding,
			},
			Score: score,
		})
	}
	return hits, nil
}

func (c *Chromem) DeleteDocument(ctx context.Context, workspaceID, documentID string) (int, error) {
	col, err := c.collection(workspaceID)
	if err != nil {
		return 0, err
	}
	before := col.Count()
	if err := col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return 0, fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return before - col.Count(), nil
}

func (c *Chromem) Count(ctx context.Context, workspaceID string) (int, error) {
	col, err := c.collection(workspaceID)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}
