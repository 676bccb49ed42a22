// Copyright 2025 Atlas Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingest stores document chunks with pre-computed embeddings and
// serves similarity lookups over them. Embeddings are produced upstream;
// this layer only indexes and retrieves.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ErrChunkNotFound reports a chunk id absent from the index.
var ErrChunkNotFound = errors.New("chunk not found")

// Chunk is one indexed fragment of a source document.
type Chunk struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float32         `json:"-"`
}

// SearchResult pairs a chunk with its similarity to the query vector.
type SearchResult struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float32 `json:"similarity"`
}

// Adapter indexes chunks and answers similarity queries, partitioned by
// tenant so one tenant's documents never surface for another.
type Adapter interface {
	IngestChunks(ctx context.Context, tenantID string, chunks []Chunk) error
	GetChunk(ctx context.Context, tenantID, id string) (*Chunk, error)
	SearchChunks(ctx context.Context, tenantID string, embedding []float32, topK int) ([]SearchResult, error)
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
}

// ChromemAdapter is the embedded Adapter backend. Vectors live in memory;
// suitable for single-process deployments.
type ChromemAdapter struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	chunks      map[string]map[string]Chunk

	embeddingFunc chromem.EmbeddingFunc
}

// NewChromemAdapter creates an empty in-memory chunk index.
func NewChromemAdapter() *ChromemAdapter {
	return &ChromemAdapter{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		chunks:      make(map[string]map[string]Chunk),
		// Embeddings arrive pre-computed; chromem must never embed.
		embeddingFunc: func(_ context.Context, _ string) ([]float32, error) {
			return nil, fmt.Errorf("no embedding function configured, vectors are pre-computed")
		},
	}
}

func (a *ChromemAdapter) collection(tenantID string) (*chromem.Collection, error) {
	name := "chunks_" + tenantID

	a.mu.RLock()
	col, ok := a.collections[name]
	a.mu.RUnlock()
	if ok {
		return col, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if col, ok := a.collections[name]; ok {
		return col, nil
	}

	col, err := a.db.GetOrCreateCollection(name, nil, a.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	a.collections[name] = col
	return col, nil
}

// IngestChunks indexes a batch of chunks for the tenant. A chunk with an id
// already present replaces the earlier version.
func (a *ChromemAdapter) IngestChunks(ctx context.Context, tenantID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	col, err := a.collection(tenantID)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.ID == "" {
			return fmt.Errorf("chunk without id in document %q", chunk.DocumentID)
		}
		if len(chunk.Embedding) == 0 {
			return fmt.Errorf("chunk %q has no embedding", chunk.ID)
		}

		metadata := map[string]string{"document_id": chunk.DocumentID}
		for k, v := range chunk.Metadata {
			metadata[k] = v
		}

		docs = append(docs, chromem.Document{
			ID:        chunk.ID,
			Content:   chunk.Content,
			Metadata:  metadata,
			Embedding: chunk.Embedding,
		})
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index chunks: %w", err)
	}

	a.mu.Lock()
	byID, ok := a.chunks[tenantID]
	if !ok {
		byID = make(map[string]Chunk)
		a.chunks[tenantID] = byID
	}
	for _, chunk := range chunks {
		byID[chunk.ID] = chunk
	}
	a.mu.Unlock()

	return nil
}

func (a *ChromemAdapter) GetChunk(_ context.Context, tenantID, id string) (*Chunk, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	chunk, ok := a.chunks[tenantID][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, id)
	}
	return &chunk, nil
}

// SearchChunks returns the topK most similar chunks for the tenant, best
// first. A topK larger than the index is clamped.
func (a *ChromemAdapter) SearchChunks(ctx context.Context, tenantID string, embedding []float32, topK int) ([]SearchResult, error) {
	col, err := a.collection(tenantID)
	if err != nil {
		return nil, err
	}

	if count := col.Count(); topK > count {
		topK = count
	}
	if topK <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chunk search failed: %w", err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		chunk, ok := a.chunks[tenantID][r.ID]
		if !ok {
			continue
		}
		out = append(out, SearchResult{Chunk: chunk, Similarity: r.Similarity})
	}
	return out, nil
}

// DeleteDocument removes every chunk of one document.
func (a *ChromemAdapter) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	col, err := a.collection(tenantID)
	if err != nil {
		return err
	}

	if err := col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, chunk := range a.chunks[tenantID] {
		if chunk.DocumentID == documentID {
			delete(a.chunks[tenantID], id)
		}
	}
	return nil
}
