package history

import (
	"sync"
	"time"

	"github.com/relaydev/relay/pkg/agentproto"
)

// TranscriptEntry is one streamed chunk with its arrival time.
type TranscriptEntry struct {
	Chunk      agentproto.Chunk `json:"chunk"`
	ReceivedAt time.Time        `json:"received_at"`
}

// TranscriptStore keeps the most recent chunks per session in memory so
// frontends can replay what a worker said without a database round trip.
type TranscriptStore struct {
	entries       map[string][]TranscriptEntry
	mu            sync.RWMutex
	maxPerSession int
}

// NewTranscriptStore creates a transcript store keeping up to
// maxPerSession chunks per session.
func NewTranscriptStore(maxPerSession int) *TranscriptStore {
	if maxPerSession <= 0 {
		maxPerSession = 200
	}
	return &TranscriptStore{
		entries:       make(map[string][]TranscriptEntry),
		maxPerSession: maxPerSession,
	}
}

// Append records one chunk for a session, trimming the oldest past the cap.
func (s *TranscriptStore) Append(sessionID string, chunk agentproto.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.entries[sessionID], TranscriptEntry{
		Chunk:      chunk,
		ReceivedAt: time.Now().UTC(),
	})
	if len(entries) > s.maxPerSession {
		entries = entries[len(entries)-s.maxPerSession:]
	}
	s.entries[sessionID] = entries
}

// Get returns up to limit of the most recent entries for a session, oldest
// first. A non-positive limit returns everything retained.
func (s *TranscriptStore) Get(sessionID string, limit int) []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[sessionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out := make([]TranscriptEntry, len(entries))
	copy(out, entries)
	return out
}

// Sessions lists session ids with retained transcripts.
func (s *TranscriptStore) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Delete drops a session's transcript.
func (s *TranscriptStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}
