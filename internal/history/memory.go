package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides in-memory execution record storage. Useful for
// tests and for running without a database file.
type MemoryStore struct {
	records map[string]*ExecutionRecord
	order   []string
	mu      sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory execution record store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*ExecutionRecord),
	}
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// Record inserts one execution record, assigning an id when absent.
func (s *MemoryStore) Record(ctx context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	stored := *rec
	s.records[rec.ID] = &stored
	s.order = append(s.order, rec.ID)
	return nil
}

// Get retrieves an execution record by ID
func (s *MemoryStore) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("execution not found: %s", id)
	}
	out := *rec
	return &out, nil
}

// ListBySession returns the most recent records for one session, newest first.
func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*ExecutionRecord, error) {
	return s.list(func(r *ExecutionRecord) bool { return r.SessionID == sessionID }, limit), nil
}

// ListRecent returns the most recent records across all sessions, newest first.
func (s *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*ExecutionRecord, error) {
	return s.list(func(*ExecutionRecord) bool { return true }, limit), nil
}

// TotalCost sums reported worker cost since the given time.
func (s *MemoryStore) TotalCost(ctx context.Context, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, rec := range s.records {
		if !rec.CreatedAt.Before(since.UTC()) {
			total += rec.CostUSD
		}
	}
	return total, nil
}

func (s *MemoryStore) list(match func(*ExecutionRecord) bool, limit int) []*ExecutionRecord {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionRecord
	for _, id := range s.order {
		rec := s.records[id]
		if match(rec) {
			copied := *rec
			out = append(out, &copied)
		}
	}

	// Insertion order approximates creation order; sort to make it exact.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
