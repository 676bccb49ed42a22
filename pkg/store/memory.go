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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is the in-process Store backend. All state lives behind one
// mutex; suitable for development and tests, lost on restart.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	cache      map[string]cacheEntry
	embeddings map[string][]float32
	feedback   []*Feedback
	maxTurns   int
}

// NewMemoryStore creates an empty in-memory store. maxTurns bounds the
// turns retained per session; zero means unbounded.
func NewMemoryStore(maxTurns int) *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*Session),
		cache:      make(map[string]cacheEntry),
		embeddings: make(map[string][]float32),
		maxTurns:   maxTurns,
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}

	now := time.Now()
	stored := *session
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.sessions[session.ID] = &stored

	return nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, sessionID string, turn *Turn) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	appended := *turn
	appended.TurnNumber = session.TurnCount + 1
	session.Turns = append(session.Turns, appended)
	session.TurnCount = appended.TurnNumber
	session.UpdatedAt = time.Now()

	if m.maxTurns > 0 && len(session.Turns) > m.maxTurns {
		session.Turns = session.Turns[len(session.Turns)-m.maxTurns:]
	}

	return appended.TurnNumber, nil
}

func (m *MemoryStore) RecentTurns(_ context.Context, sessionID string, n int) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	turns := session.Turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}

	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	copied := *session
	copied.Turns = make([]Turn, len(session.Turns))
	copy(copied.Turns, session.Turns)
	return &copied, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, callerID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for _, session := range m.sessions {
		if session.CallerID != callerID {
			continue
		}
		copied := *session
		copied.Turns = make([]Turn, len(session.Turns))
		copy(copied.Turns, session.Turns)
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) CacheGet(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(m.cache, key)
		return nil, ErrCacheMiss
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

func (m *MemoryStore) CachePut(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	entry := cacheEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.cache[key] = entry
	return nil
}

func (m *MemoryStore) EmbeddingGet(_ context.Context, key string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vector, ok := m.embeddings[key]
	if !ok {
		return nil, ErrCacheMiss
	}

	out := make([]float32, len(vector))
	copy(out, vector)
	return out, nil
}

func (m *MemoryStore) EmbeddingPut(_ context.Context, key string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]float32, len(vector))
	copy(stored, vector)
	m.embeddings[key] = stored
	return nil
}

func (m *MemoryStore) PutFeedback(_ context.Context, fb *Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *fb
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.feedback = append(m.feedback, &stored)
	return nil
}

func (m *MemoryStore) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = make(map[string]*Session)
	m.cache = make(map[string]cacheEntry)
	m.embeddings = make(map[string][]float32)
	m.feedback = nil
	return nil
}
