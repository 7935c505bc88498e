package index

import (
	"context"
	"testing"
)

func rec(chunkID, docID, workspaceID string, vec []float32) Record {
	return Record{ChunkID: chunkID, DocumentID: docID, WorkspaceID: workspaceID, Text: "text " + chunkID, Vector: vec}
}

func TestMemoryQueryRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.Upsert(ctx, []Record{
		rec("a", "d1", "ws1", []float32{1, 0}),
		rec("b", "d1", "ws1", []float32{0.9, 0.1}),
		rec("c", "d1", "ws1", []float32{0, 1}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := m.Query(ctx, "ws1", []float32{1, 0}, 2, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ChunkID != "a" || hits[1].ChunkID != "b" {
		t.Fatalf("expected a,b order, got %s,%s", hits[0].ChunkID, hits[1].ChunkID)
	}
	if hits[0].Score < hits[1].Score {
		t.Fatalf("expected descending scores")
	}
}

func TestMemoryWorkspaceIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.Upsert(ctx, []Record{
		rec("a", "d1", "ws1", []float32{1, 0}),
		rec("b", "d2", "ws2", []float32{1, 0}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := m.Query(ctx, "ws1", []float32{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, h := range hits {
		if h.WorkspaceID != "ws1" {
			t.Fatalf("result leaked from workspace %s", h.WorkspaceID)
		}
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
}

func TestMemoryThresholdExcludesAll(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Upsert(ctx, []Record{rec("a", "d1", "ws1", []float32{0, 1})}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	hits, err := m.Query(ctx, "ws1", []float32{1, 0}, 10, 0.9)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits above threshold, got %d", len(hits))
	}
}

func TestMemoryUpsertReplacesByChunkID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Upsert(ctx, []Record{rec("a", "d1", "ws1", []float32{1, 0})}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	updated := rec("a", "d1", "ws1", []float32{0, 1})
	updated.Text = "updated"
	if err := m.Upsert(ctx, []Record{updated}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := m.Count(ctx, "ws1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record after replace, got %d", n)
	}
	hits, _ := m.Query(ctx, "ws1", []float32{0, 1}, 1, 0)
	if len(hits) != 1 || hits[0].Text != "updated" {
		t.Fatalf("expected replaced record, got %+v", hits)
	}
}

func TestMemoryDeleteDocument(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.Upsert(ctx, []Record{
		rec("a", "d1", "ws1", []float32{1, 0}),
		rec("b", "d1", "ws1", []float32{0, 1}),
		rec("c", "d2", "ws1", []float32{1, 1}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	removed, err := m.DeleteDocument(ctx, "ws1", "d1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	n, _ := m.Count(ctx, "ws1")
	if n != 1 {
		t.Fatalf("expected 1 survivor, got %d", n)
	}
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3}
	lit, err := encodeVectorLiteral(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if lit != "[0.25,-1.5,3]" {
		t.Fatalf("unexpected literal %q", lit)
	}
	out, err := decodeVectorLiteral(lit)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d values, got %d", len(in), len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("value %d differs: %f vs %f", i, in[i], out[i])
		}
	}
	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatalf("expected error for empty vector")
	}
}

func TestChromemWorkspaceIsolation(t *testing.T) {
	ctx := context.Background()
	c, err := NewChromem("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = c.Upsert(ctx, []Record{
		rec("a", "d1", "ws1", []float32{1, 0}),
		rec("b", "d2", "ws2", []float32{1, 0}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := c.Query(ctx, "ws1", []float32{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "a" {
		t.Fatalf("expected only ws1 records, got %+v", hits)
	}

	removed, err := c.DeleteDocument(ctx, "ws1", "d1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	n, err := c.Count(ctx, "ws1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty workspace, got %d", n)
	}
}
