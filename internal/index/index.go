package index

import (
	"context"
)

// Record is one embedded chunk as stored in a vector index. The vector is
// produced by the embedding engine; the remaining fields let query results be
// assembled without a round trip to the chunk store.
type Record struct {
	ChunkID     string                 `json:"chunk_id"`
	DocumentID  string                 `json:"document_id"`
	WorkspaceID string                 `json:"workspace_id"`
	Text        string                 `json:"text"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Vector      []float32              `json:"-"`
}

// Hit is a query result with its similarity score in [-1,1].
type Hit struct {
	Record
	Score float64 `json:"score"`
}

// VectorIndex is the contract the retrieval engine queries against. Every
// read is scoped to a workspace; implementations must never return a record
// from another workspace.
type VectorIndex interface {
	// Upsert stores records, replacing any existing record with the same
	// chunk ID.
	Upsert(ctx context.Context, records []Record) error
	// Query returns up to topK records nearest to vector, ordered by
	// descending similarity. Records scoring below threshold are dropped.
	Query(ctx context.Context, workspaceID string, vector []float32, topK int, threshold float64) ([]Hit, error)
	// DeleteDocument removes every record belonging to a document and
	// reports how many were removed.
	DeleteDocument(ctx context.Context, workspaceID, documentID string) (int, error)
	// Count reports the number of records in a workspace.
	Count(ctx context.Context, workspaceID string) (int, error)
}
