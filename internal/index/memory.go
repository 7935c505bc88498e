package index

import (
	"context"
	"sort"
	"sync"

	"github.com/answerdesk/answerdesk/internal/embedding"
)

// Memory is a brute-force in-process index. It backs single-node deployments
// without external vector storage and doubles as the test implementation.
type Memory struct {
	mu         sync.RWMutex
	workspaces map[string]map[string]Record
}

// NewMemory builds an empty in-process index.
func NewMemory() *Memory {
	return &Memory{workspaces: make(map[string]map[string]Record)}
}

func (m *Memory) Upsert(ctx context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		ws, ok := m.workspaces[rec.WorkspaceID]
		if !ok {
			ws = make(map[string]Record)
			m.workspaces[rec.WorkspaceID] = ws
		}
		ws[rec.ChunkID] = rec
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, workspaceID string, vector []float32, topK int, threshold float64) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws := m.workspaces[workspaceID]
	hits := make([]Hit, 0, len(ws))
	for _, rec := range ws {
		score := embedding.Cosine(vector, rec.Vector)
		if score < threshold {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: score})
	}
	// Chunk ID breaks score ties so results are deterministic across runs.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if topK > 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *Memory) DeleteDocument(ctx context.Context, workspaceID, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.workspaces[workspaceID]
	removed := 0
	for id, rec := range ws {
		if rec.DocumentID == documentID {
			delete(ws, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Count(ctx context.Context, workspaceID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workspaces[workspaceID]), nil
}
