package lexical

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
)

// Doc is a chunk as seen by the keyword index.
type Doc struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
}

// Hit is a scored keyword match. Rank is 1-based in descending score order.
type Hit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
}

type workspaceIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	meta  map[string]Doc
}

// Catalog holds one in-memory BM25 index per workspace. Searches never cross
// the workspace boundary because each workspace owns a separate index.
type Catalog struct {
	mu         sync.RWMutex
	workspaces map[string]*workspaceIndex
}

// NewCatalog builds an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{workspaces: make(map[string]*workspaceIndex)}
}

func (c *Catalog) workspace(workspaceID string, create bool) (*workspaceIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.workspaces[workspaceID]
	if ok {
		return ws, nil
	}
	if !create {
		return nil, nil
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index for workspace %s: %w", workspaceID, err)
	}
	ws = &workspaceIndex{index: idx, meta: make(map[string]Doc)}
	c.workspaces[workspaceID] = ws
	return ws, nil
}

// Index adds or replaces docs in the workspace's index.
func (c *Catalog) Index(workspaceID string, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}
	ws, err := c.workspace(workspaceID, true)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, doc := range docs {
		if doc.ChunkID == "" {
			return fmt.Errorf("chunk_id required")
		}
		if err := ws.index.Index(doc.ChunkID, doc); err != nil {
			return fmt.Errorf("index chunk %s: %w", doc.ChunkID, err)
		}
		ws.meta[doc.ChunkID] = doc
	}
	return nil
}

// DeleteDocument drops every chunk of a document from the workspace index
// and reports how many were removed.
func (c *Catalog) DeleteDocument(workspaceID, documentID string) (int, error) {
	ws, err := c.workspace(workspaceID, false)
	if err != nil || ws == nil {
		return 0, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	removed := 0
	for id, doc := range ws.meta {
		if doc.DocumentID != documentID {
			continue
		}
		if err := ws.index.Delete(id); err != nil {
			return removed, fmt.Errorf("delete chunk %s: %w", id, err)
		}
		delete(ws.meta, id)
		removed++
	}
	return removed, nil
}

// Search runs a BM25 query against one workspace and returns up to k ranked
// hits. An unknown workspace yields an empty result, not an error.
func (c *Catalog) Search(workspaceID, query string, k int) ([]Hit, error) {
	ws, err := c.workspace(workspaceID, false)
	if err != nil || ws == nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), k*3, 0, false)
	res, err := ws.index.Search(req)
	if err != nil {
		// Query-string syntax can choke on raw user input; retry as a
		// plain match query.
		req = bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), k*3, 0, false)
		res, err = ws.index.Search(req)
		if err != nil {
			return nil, fmt.Errorf("search workspace %s: %w", workspaceID, err)
		}
	}

	out := make([]Hit, 0, k)
	for _, hit := range res.Hits {
		doc, ok := ws.meta[hit.ID]
		if !ok {
			continue
		}
		out = append(out, Hit{
			ChunkID:    doc.ChunkID,
			DocumentID: doc.DocumentID,
			Text:       doc.Text,
			Score:      hit.Score,
			Rank:       len(out) + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// Count reports how many chunks a workspace currently indexes.
func (c *Catalog) Count(workspaceID string) int {
	c.mu.RLock()
	ws := c.workspaces[workspaceID]
	c.mu.RUnlock()
	if ws == nil {
		return 0
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.meta)
}
