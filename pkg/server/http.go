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

// Package server exposes the public HTTP API: chat, session management,
// feedback, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atlashq/atlas/pkg/auth"
	"github.com/atlashq/atlas/pkg/config"
	"github.com/atlashq/atlas/pkg/ingest"
	"github.com/atlashq/atlas/pkg/observability"
	"github.com/atlashq/atlas/pkg/orchestrator"
	"github.com/atlashq/atlas/pkg/store"
)

// HTTPServer serves the Atlas API.
type HTTPServer struct {
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	extractor    *auth.Extractor
	store        store.Store
	ingest       ingest.Adapter
	logger       *slog.Logger
	server       *http.Server
}

// New creates the HTTP server. The ingest adapter may be nil, in which case
// the document routes are not registered.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, extractor *auth.Extractor, st store.Store, ing ingest.Adapter, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		cfg:          cfg,
		orchestrator: orch,
		extractor:    extractor,
		store:        st,
		ingest:       ing,
		logger:       logger,
	}
}

// Router builds the route tree.
func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", observability.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
		r.Post("/feedback", s.handleFeedback)

		if s.ingest != nil {
			r.Post("/documents", s.handleIngestDocument)
			r.Post("/documents/search", s.handleSearchChunks)
			r.Delete("/documents/{documentID}", s.handleDeleteDocument)
		}
	})

	return r
}

// Start runs the server until ctx is canceled, then drains connections.
func (s *HTTPServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Info("shutting down HTTP server")
		return s.server.Shutdown(shutdownCtx)
	}
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Token     string `json:"token,omitempty"`
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	rbac := s.extractor.Extract(s.token(r, req.Token))

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Orchestrator.RequestDeadline.Duration())
	defer cancel()
	ctx = auth.NewContext(ctx, rbac)

	result, err := s.orchestrator.Run(ctx, orchestrator.Request{
		Message:   req.Message,
		SessionID: req.SessionID,
	}, rbac)
	if err != nil {
		s.logger.Error("chat request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	rbac := s.extractor.Extract(s.token(r, ""))

	sessions, err := s.store.ListSessions(r.Context(), rbac.CallerID)
	if err != nil {
		s.logger.Error("failed to list sessions", "caller", rbac.CallerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Summaries only; turn bodies stay out of the listing.
	type sessionSummary struct {
		ID        string    `json:"id"`
		TurnCount int       `json:"turn_count"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, sessionSummary{
			ID:        session.ID,
			TurnCount: session.TurnCount,
			CreatedAt: session.CreatedAt,
			UpdatedAt: session.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	rbac := s.extractor.Extract(s.token(r, ""))
	sessionID := chi.URLParam(r, "sessionID")

	session, err := s.store.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if session.CallerID != rbac.CallerID && !rbac.Admin {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}

	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type feedbackRequest struct {
	SessionID  string `json:"session_id"`
	TurnNumber int    `json:"turn_number"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment,omitempty"`
}

func (s *HTTPServer) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.TurnNumber <= 0 {
		writeError(w, http.StatusBadRequest, "session_id and turn_number are required")
		return
	}

	rbac := s.extractor.Extract(s.token(r, ""))

	err := s.store.PutFeedback(r.Context(), &store.Feedback{
		SessionID:  req.SessionID,
		TurnNumber: req.TurnNumber,
		CallerID:   rbac.CallerID,
		Rating:     req.Rating,
		Comment:    req.Comment,
	})
	if err != nil {
		s.logger.Error("failed to record feedback", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type ingestRequest struct {
	DocumentID string `json:"document_id"`
	Chunks     []struct {
		ID        string            `json:"id"`
		Content   string            `json:"content"`
		Metadata  map[string]string `json:"metadata,omitempty"`
		Embedding []float32         `json:"embedding"`
	} `json:"chunks"`
}

func (s *HTTPServer) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	rbac := s.extractor.Extract(s.token(r, ""))
	if rbac.TenantID == "" {
		writeError(w, http.StatusForbidden, "no tenant in caller identity")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DocumentID == "" || len(req.Chunks) == 0 {
		writeError(w, http.StatusBadRequest, "document_id and chunks are required")
		return
	}

	chunks := make([]ingest.Chunk, 0, len(req.Chunks))
	for _, c := range req.Chunks {
		chunks = append(chunks, ingest.Chunk{
			ID:         c.ID,
			DocumentID: req.DocumentID,
			Content:    c.Content,
			Metadata:   c.Metadata,
			Embedding:  c.Embedding,
		})
	}

	if err := s.ingest.IngestChunks(r.Context(), rbac.TenantID, chunks); err != nil {
		s.logger.Error("failed to ingest chunks",
			"tenant", rbac.TenantID,
			"document", req.DocumentID,
			"error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "indexed",
		"chunks": len(chunks),
	})
}

type searchRequest struct {
	// Query is the free-text form of the search. When an embedding is
	// supplied alongside it, the pair is cached so later searches for the
	// same text can omit the embedding.
	Query     string    `json:"query,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	TopK      int       `json:"top_k,omitempty"`
}

func (s *HTTPServer) handleSearchChunks(w http.ResponseWriter, r *http.Request) {
	rbac := s.extractor.Extract(s.token(r, ""))
	if rbac.TenantID == "" {
		writeError(w, http.StatusForbidden, "no tenant in caller identity")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case len(req.Embedding) > 0:
		if req.Query != "" {
			if err := s.store.EmbeddingPut(r.Context(), embeddingKey(rbac.TenantID, req.Query), req.Embedding); err != nil {
				s.logger.Warn("failed to cache query embedding", "error", err)
			}
		}
	case req.Query != "":
		cached, err := s.store.EmbeddingGet(r.Context(), embeddingKey(rbac.TenantID, req.Query))
		if err != nil {
			writeError(w, http.StatusBadRequest, "embedding is required: query text has no cached embedding")
			return
		}
		req.Embedding = cached
	default:
		writeError(w, http.StatusBadRequest, "embedding or query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	results, err := s.ingest.SearchChunks(r.Context(), rbac.TenantID, req.Embedding, req.TopK)
	if err != nil {
		s.logger.Error("chunk search failed", "tenant", rbac.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	rbac := s.extractor.Extract(s.token(r, ""))
	if rbac.TenantID == "" {
		writeError(w, http.StatusForbidden, "no tenant in caller identity")
		return
	}

	documentID := chi.URLParam(r, "documentID")
	if err := s.ingest.DeleteDocument(r.Context(), rbac.TenantID, documentID); err != nil {
		s.logger.Error("failed to delete document",
			"tenant", rbac.TenantID,
			"document", documentID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// embeddingKey normalizes the query text into a tenant-scoped cache key.
func embeddingKey(tenantID, query string) string {
	return tenantID + ":" + strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// token prefers the Authorization header, falling back to the request body
// field for clients that cannot set headers.
func (s *HTTPServer) token(r *http.Request, bodyToken string) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return bodyToken
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
