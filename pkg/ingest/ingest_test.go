package ingest

import (
	"context"
	"errors"
	"testing"
)

func chunk(id, docID, content string, vec []float32) Chunk {
	return Chunk{ID: id, DocumentID: docID, Content: content, Embedding: vec}
}

func TestIngestAndGetChunk(t *testing.T) {
	a := NewChromemAdapter()
	ctx := context.Background()

	err := a.IngestChunks(ctx, "t1", []Chunk{
		chunk("c1", "doc-1", "renewal terms for enterprise plans", []float32{1, 0, 0}),
		chunk("c2", "doc-1", "support escalation policy", []float32{0, 1, 0}),
	})
	if err != nil {
		t.Fatalf("IngestChunks: %v", err)
	}

	got, err := a.GetChunk(ctx, "t1", "c1")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if got.Content != "renewal terms for enterprise plans" || got.DocumentID != "doc-1" {
		t.Errorf("chunk = %+v", got)
	}

	if _, err := a.GetChunk(ctx, "t1", "ghost"); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("err = %v, want ErrChunkNotFound", err)
	}
}

func TestIngestValidation(t *testing.T) {
	a := NewChromemAdapter()
	ctx := context.Background()

	if err := a.IngestChunks(ctx, "t1", nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
	if err := a.IngestChunks(ctx, "t1", []Chunk{chunk("", "d", "x", []float32{1})}); err == nil {
		t.Error("chunk without id accepted")
	}
	if err := a.IngestChunks(ctx, "t1", []Chunk{chunk("c1", "d", "x", nil)}); err == nil {
		t.Error("chunk without embedding accepted")
	}
}

func TestSearchReturnsMostSimilarFirst(t *testing.T) {
	a := NewChromemAdapter()
	ctx := context.Background()

	err := a.IngestChunks(ctx, "t1", []Chunk{
		chunk("c1", "doc-1", "billing", []float32{1, 0, 0}),
		chunk("c2", "doc-1", "support", []float32{0, 1, 0}),
		chunk("c3", "doc-2", "legal", []float32{0, 0, 1}),
	})
	if err != nil {
		t.Fatalf("IngestChunks: %v", err)
	}

	results, err := a.SearchChunks(ctx, "t1", []float32{0.9, 0.1, 0}, 2)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Chunk.ID != "c1" {
		t.Errorf("best match = %+v", results[0])
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("results not ordered best first")
	}
}

func TestSearchClampsTopK(t *testing.T) {
	a := NewChromemAdapter()
	ctx := context.Background()

	err := a.IngestChunks(ctx, "t1", []Chunk{
		chunk("c1", "doc-1", "only one", []float32{1, 0}),
	})
	if err != nil {
		t.Fatalf("IngestChunks: %v", err)
	}

	results, err := a.SearchChunks(ctx, "t1", []float32{1, 0}, 50)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("results = %+v", results)
	}

	empty, err := a.SearchChunks(ctx, "t-empty", []float32{1, 0}, 5)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty tenant = %+v, %v", empty, err)
	}
}

func TestTenantIsolation(t *testing.T) {
	a := NewChromemAdapter()
	ctx := context.Background()

	err := a.IngestChunks(ctx, "t1", []Chunk{
		chunk("c1", "doc-1", "tenant one secret", []float32{1, 0}),
	})
	if err != nil {
		t.Fatalf("IngestChunks: %v", err)
	}

	if _, err := a.GetChunk(ctx, "t2", "c1"); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("cross-tenant get err = %v, want ErrChunkNotFound", err)
	}

	results, err := a.SearchChunks(ctx, "t2", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("cross-tenant search leaked %+v", results)
	}
}

func TestDeleteDocumentRemovesAllItsChunks(t *testing.T) {
	a := NewChromemAdapter()
	ctx := context.Background()

	err := a.IngestChunks(ctx, "t1", []Chunk{
		chunk("c1", "doc-1", "a", []float32{1, 0}),
		chunk("c2", "doc-1", "b", []float32{0, 1}),
		chunk("c3", "doc-2", "c", []float32{1, 1}),
	})
	if err != nil {
		t.Fatalf("IngestChunks: %v", err)
	}

	if err := a.DeleteDocument(ctx, "t1", "doc-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	for _, id := range []string{"c1", "c2"} {
		if _, err := a.GetChunk(ctx, "t1", id); !errors.Is(err, ErrChunkNotFound) {
			t.Errorf("chunk %s survived delete: %v", id, err)
		}
	}
	if _, err := a.GetChunk(ctx, "t1", "c3"); err != nil {
		t.Errorf("unrelated chunk deleted: %v", err)
	}

	results, err := a.SearchChunks(ctx, "t1", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	for _, r := range results {
		if r.Chunk.DocumentID == "doc-1" {
			t.Errorf("deleted chunk still searchable: %+v", r.Chunk)
		}
	}
}

func TestReingestReplacesChunk(t *testing.T) {
	a := NewChromemAdapter()
	ctx := context.Background()

	if err := a.IngestChunks(ctx, "t1", []Chunk{chunk("c1", "doc-1", "old", []float32{1, 0})}); err != nil {
		t.Fatalf("IngestChunks: %v", err)
	}
	if err := a.IngestChunks(ctx, "t1", []Chunk{chunk("c1", "doc-1", "new", []float32{0, 1})}); err != nil {
		t.Fatalf("IngestChunks: %v", err)
	}

	got, err := a.GetChunk(ctx, "t1", "c1")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if got.Content != "new" {
		t.Errorf("content = %q, want the replacement", got.Content)
	}
}
