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

// Package store persists conversation sessions, the query cache, cached
// embeddings, and user feedback. Two backends exist: an in-memory store for
// development and tests, and a MongoDB store for production.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrSessionNotFound reports a session id with no stored session.
var ErrSessionNotFound = errors.New("session not found")

// ErrCacheMiss reports an absent or expired cache entry.
var ErrCacheMiss = errors.New("cache miss")

// ExecutionRecord captures one tool call made during a turn.
type ExecutionRecord struct {
	Capability string                   `bson:"capability" json:"capability"`
	Tool       string                   `bson:"tool" json:"tool"`
	Success    bool                     `bson:"success" json:"success"`
	RowCount   int                      `bson:"row_count" json:"row_count"`
	Error      string                   `bson:"error,omitempty" json:"error,omitempty"`
	Duration   time.Duration            `bson:"duration_ns" json:"duration_ns"`
	SampleRows []map[string]interface{} `bson:"sample_rows,omitempty" json:"sample_rows,omitempty"`
	Truncated  bool                     `bson:"truncated,omitempty" json:"truncated,omitempty"`
	Cached     bool                     `bson:"cached,omitempty" json:"cached,omitempty"`
	CallID     string                   `bson:"call_id,omitempty" json:"call_id,omitempty"`
}

// Turn is one user/assistant exchange plus the tool calls it triggered.
// TurnNumber is assigned by the store on append and is strictly increasing
// within a session.
type Turn struct {
	TurnNumber       int               `bson:"turn_number" json:"turn_number"`
	UserMessage      string            `bson:"user_message" json:"user_message"`
	AssistantMessage string            `bson:"assistant_message" json:"assistant_message"`
	Executions       []ExecutionRecord `bson:"executions,omitempty" json:"executions,omitempty"`
	StartedAt        time.Time         `bson:"started_at" json:"started_at"`
	CompletedAt      time.Time         `bson:"completed_at" json:"completed_at"`
	TotalDuration    time.Duration     `bson:"total_duration_ns" json:"total_duration_ns"`
}

// Session is one conversation, partitioned by the caller who owns it.
type Session struct {
	ID        string    `bson:"_id" json:"id"`
	CallerID  string    `bson:"caller_id" json:"caller_id"`
	TenantID  string    `bson:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	Turns     []Turn    `bson:"turns" json:"turns"`
	TurnCount int       `bson:"turn_count" json:"turn_count"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Feedback is a user's rating of one turn.
type Feedback struct {
	SessionID  string    `bson:"session_id" json:"session_id"`
	TurnNumber int       `bson:"turn_number" json:"turn_number"`
	CallerID   string    `bson:"caller_id" json:"caller_id"`
	Rating     int       `bson:"rating" json:"rating"`
	Comment    string    `bson:"comment,omitempty" json:"comment,omitempty"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

// Store is the persistence contract. Implementations must make AppendTurn
// safe under concurrent appends to the same session: each append observes a
// turn number one greater than the previous.
type Store interface {
	// CreateSession registers a new session owned by the caller.
	CreateSession(ctx context.Context, session *Session) error

	// AppendTurn appends a turn and returns the assigned turn number.
	AppendTurn(ctx context.Context, sessionID string, turn *Turn) (int, error)

	// RecentTurns returns the last n turns, oldest first.
	RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error)

	// GetSession fetches a session by id.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// ListSessions lists the caller's sessions, most recently updated first.
	ListSessions(ctx context.Context, callerID string) ([]*Session, error)

	// DeleteSession removes a session and its turns.
	DeleteSession(ctx context.Context, sessionID string) error

	// CacheGet fetches a cached result by key. ErrCacheMiss when absent
	// or expired.
	CacheGet(ctx context.Context, key string) ([]byte, error)

	// CachePut stores a result under key with the given TTL.
	CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// EmbeddingGet fetches a cached embedding by key.
	EmbeddingGet(ctx context.Context, key string) ([]float32, error)

	// EmbeddingPut stores an embedding under key.
	EmbeddingPut(ctx context.Context, key string, vector []float32) error

	// PutFeedback records a turn rating.
	PutFeedback(ctx context.Context, fb *Feedback) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// CacheKey derives the cache partition key for a query result. The query is
// normalized (trimmed, lowercased, whitespace collapsed) so trivially
// reworded queries share an entry. Caller identity always partitions the
// cache; when scopeByRoles is set the caller's sorted role list partitions
// it further, so a role change never serves stale rows.
func CacheKey(query, callerID, tenantID, queryType string, roles []string, scopeByRoles bool) string {
	h := sha256.New()
	h.Write([]byte(normalizeQuery(query)))
	h.Write([]byte{0})
	h.Write([]byte(callerID))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(queryType))

	if scopeByRoles {
		sorted := make([]string, len(roles))
		copy(sorted, roles)
		sort.Strings(sorted)
		for _, role := range sorted {
			h.Write([]byte{0})
			h.Write([]byte(role))
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
