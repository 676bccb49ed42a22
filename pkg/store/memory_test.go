package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newSession(t *testing.T, s *MemoryStore, id, caller string) {
	t.Helper()
	err := s.CreateSession(t.Context(), &Session{ID: id, CallerID: caller})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestAppendTurnAssignsIncreasingNumbers(t *testing.T) {
	s := NewMemoryStore(0)
	newSession(t, s, "s1", "kim")

	for i := 1; i <= 3; i++ {
		n, err := s.AppendTurn(t.Context(), "s1", &Turn{UserMessage: fmt.Sprintf("q%d", i)})
		if err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
		if n != i {
			t.Errorf("turn number = %d, want %d", n, i)
		}
	}
}

func TestAppendTurnConcurrentNumbersAreDistinct(t *testing.T) {
	s := NewMemoryStore(0)
	newSession(t, s, "s1", "kim")

	const workers = 32
	numbers := make(chan int, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.AppendTurn(t.Context(), "s1", &Turn{UserMessage: "q"})
			if err != nil {
				t.Errorf("AppendTurn: %v", err)
				return
			}
			numbers <- n
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int]bool)
	for n := range numbers {
		if seen[n] {
			t.Fatalf("duplicate turn number %d", n)
		}
		seen[n] = true
	}
	if len(seen) != workers {
		t.Errorf("assigned %d numbers, want %d", len(seen), workers)
	}
}

func TestTurnNumbersSurviveElision(t *testing.T) {
	s := NewMemoryStore(2)
	newSession(t, s, "s1", "kim")

	for i := 1; i <= 5; i++ {
		if _, err := s.AppendTurn(t.Context(), "s1", &Turn{UserMessage: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	turns, err := s.RecentTurns(t.Context(), "s1", 0)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("retained %d turns, want 2", len(turns))
	}
	if turns[0].TurnNumber != 4 || turns[1].TurnNumber != 5 {
		t.Errorf("turn numbers = %d, %d; numbering must keep increasing past elision",
			turns[0].TurnNumber, turns[1].TurnNumber)
	}

	if n, _ := s.AppendTurn(t.Context(), "s1", &Turn{UserMessage: "q6"}); n != 6 {
		t.Errorf("next turn number = %d, want 6", n)
	}
}

func TestRecentTurnsReturnsLastNOldestFirst(t *testing.T) {
	s := NewMemoryStore(0)
	newSession(t, s, "s1", "kim")
	for i := 1; i <= 5; i++ {
		_, _ = s.AppendTurn(t.Context(), "s1", &Turn{UserMessage: fmt.Sprintf("q%d", i)})
	}

	turns, err := s.RecentTurns(t.Context(), "s1", 2)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].UserMessage != "q4" || turns[1].UserMessage != "q5" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestAppendToUnknownSession(t *testing.T) {
	s := NewMemoryStore(0)
	if _, err := s.AppendTurn(t.Context(), "ghost", &Turn{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestListSessionsIsScopedToCaller(t *testing.T) {
	s := NewMemoryStore(0)
	newSession(t, s, "s1", "kim")
	newSession(t, s, "s2", "kim")
	newSession(t, s, "s3", "alex")

	sessions, err := s.ListSessions(t.Context(), "kim")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	for _, session := range sessions {
		if session.CallerID != "kim" {
			t.Errorf("leaked session %q owned by %q", session.ID, session.CallerID)
		}
	}
}

func TestDeleteSession(t *testing.T) {
	s := NewMemoryStore(0)
	newSession(t, s, "s1", "kim")

	if err := s.DeleteSession(t.Context(), "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(t.Context(), "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if err := s.DeleteSession(t.Context(), "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("double delete err = %v, want ErrSessionNotFound", err)
	}
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	s := NewMemoryStore(0)

	if _, err := s.CacheGet(t.Context(), "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("empty cache err = %v, want ErrCacheMiss", err)
	}

	if err := s.CachePut(t.Context(), "k", []byte("rows"), time.Hour); err != nil {
		t.Fatalf("CachePut: %v", err)
	}
	got, err := s.CacheGet(t.Context(), "k")
	if err != nil || string(got) != "rows" {
		t.Errorf("CacheGet = %q, %v", got, err)
	}

	if err := s.CachePut(t.Context(), "short", []byte("x"), time.Nanosecond); err != nil {
		t.Fatalf("CachePut: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.CacheGet(t.Context(), "short"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expired entry err = %v, want ErrCacheMiss", err)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	s := NewMemoryStore(0)

	if _, err := s.EmbeddingGet(t.Context(), "q"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("err = %v, want ErrCacheMiss", err)
	}

	vector := []float32{0.1, 0.2, 0.3}
	if err := s.EmbeddingPut(t.Context(), "q", vector); err != nil {
		t.Fatalf("EmbeddingPut: %v", err)
	}
	got, err := s.EmbeddingGet(t.Context(), "q")
	if err != nil || len(got) != 3 || got[1] != 0.2 {
		t.Errorf("EmbeddingGet = %v, %v", got, err)
	}
}
