package lexical

import "testing"

func seed(t *testing.T, c *Catalog, workspaceID string) {
	t.Helper()
	err := c.Index(workspaceID, []Doc{
		{ChunkID: "c1", DocumentID: "d1", Text: "Our refund policy allows returns within thirty days."},
		{ChunkID: "c2", DocumentID: "d1", Text: "Shipping takes two business days inside the country."},
		{ChunkID: "c3", DocumentID: "d2", Text: "Refunds are posted to the original payment method."},
	})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
}

func TestSearchRanksRelevantChunks(t *testing.T) {
	c := NewCatalog()
	seed(t, c, "ws1")

	hits, err := c.Search("ws1", "refund", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected hits for refund query")
	}
	ids := map[string]bool{}
	for i, h := range hits {
		ids[h.ChunkID] = true
		if h.Rank != i+1 {
			t.Fatalf("expected rank %d, got %d", i+1, h.Rank)
		}
		if h.Score <= 0 {
			t.Fatalf("expected positive score, got %f", h.Score)
		}
	}
	if !ids["c1"] {
		t.Fatalf("expected refund chunk c1 in results, got %v", ids)
	}
	if ids["c2"] {
		t.Fatalf("shipping chunk should not match a refund query")
	}
}

func TestSearchUnknownWorkspaceIsEmpty(t *testing.T) {
	c := NewCatalog()
	seed(t, c, "ws1")

	hits, err := c.Search("ws2", "refund", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits outside the indexed workspace, got %d", len(hits))
	}
}

func TestWorkspacesDoNotShareIndexes(t *testing.T) {
	c := NewCatalog()
	seed(t, c, "ws1")
	if err := c.Index("ws2", []Doc{{ChunkID: "x1", DocumentID: "d9", Text: "Refund rules for workspace two."}}); err != nil {
		t.Fatalf("index: %v", err)
	}

	hits, err := c.Search("ws2", "refund", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, h := range hits {
		if h.ChunkID != "x1" {
			t.Fatalf("result leaked across workspaces: %+v", h)
		}
	}
}

func TestDeleteDocumentRemovesItsChunks(t *testing.T) {
	c := NewCatalog()
	seed(t, c, "ws1")

	removed, err := c.DeleteDocument("ws1", "d1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if n := c.Count("ws1"); n != 1 {
		t.Fatalf("expected 1 chunk left, got %d", n)
	}

	hits, err := c.Search("ws1", "shipping", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("deleted chunks still searchable: %+v", hits)
	}
}

func TestSearchSurvivesQuerySyntax(t *testing.T) {
	c := NewCatalog()
	seed(t, c, "ws1")

	if _, err := c.Search("ws1", "refund AND (policy", 5); err != nil {
		t.Fatalf("expected raw user input to be handled, got %v", err)
	}
}
