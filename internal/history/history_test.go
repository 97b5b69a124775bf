package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/pkg/agentproto"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreRecordAndGet(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &ExecutionRecord{
				SessionID:      "chan:1",
				ChannelID:      "chan",
				UserID:         "u1",
				Prompt:         "fix the tests",
				Output:         "done",
				Success:        true,
				AgentSessionID: "agent-abc",
				CostUSD:        0.42,
				DurationMS:     1234,
			}
			require.NoError(t, store.Record(ctx, rec))
			assert.NotEmpty(t, rec.ID)
			assert.False(t, rec.CreatedAt.IsZero())

			got, err := store.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, "fix the tests", got.Prompt)
			assert.Equal(t, "done", got.Output)
			assert.True(t, got.Success)
			assert.Equal(t, "agent-abc", got.AgentSessionID)
			assert.InDelta(t, 0.42, got.CostUSD, 1e-9)

			_, err = store.Get(ctx, "missing")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "not found")
		})
	}
}

func TestStoreListBySession(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)
			for i := 0; i < 5; i++ {
				sessionID := "chan:a"
				if i%2 == 1 {
					sessionID = "chan:b"
				}
				require.NoError(t, store.Record(ctx, &ExecutionRecord{
					SessionID: sessionID,
					Prompt:    fmt.Sprintf("prompt %d", i),
					Success:   true,
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				}))
			}

			recs, err := store.ListBySession(ctx, "chan:a", 10)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			// Newest first.
			assert.Equal(t, "prompt 4", recs[0].Prompt)
			assert.Equal(t, "prompt 0", recs[2].Prompt)

			recs, err = store.ListBySession(ctx, "chan:a", 2)
			require.NoError(t, err)
			assert.Len(t, recs, 2)

			recent, err := store.ListRecent(ctx, 3)
			require.NoError(t, err)
			require.Len(t, recent, 3)
			assert.Equal(t, "prompt 4", recent[0].Prompt)
		})
	}
}

func TestStoreTotalCost(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, store.Record(ctx, &ExecutionRecord{
				SessionID: "chan:1", Prompt: "old", CostUSD: 1.0,
				CreatedAt: base.Add(-2 * time.Hour),
			}))
			require.NoError(t, store.Record(ctx, &ExecutionRecord{
				SessionID: "chan:1", Prompt: "new", CostUSD: 0.25,
				CreatedAt: base,
			}))

			total, err := store.TotalCost(ctx, base.Add(-time.Hour))
			require.NoError(t, err)
			assert.InDelta(t, 0.25, total, 1e-9)

			total, err = store.TotalCost(ctx, base.Add(-3*time.Hour))
			require.NoError(t, err)
			assert.InDelta(t, 1.25, total, 1e-9)

			// No matching rows sums to zero.
			total, err = store.TotalCost(ctx, base.Add(time.Hour))
			require.NoError(t, err)
			assert.Zero(t, total)
		})
	}
}

func TestTranscriptStoreRing(t *testing.T) {
	ts := NewTranscriptStore(3)

	for i := 0; i < 5; i++ {
		ts.Append("chan:1", agentproto.Chunk{
			Type:    agentproto.ChunkTypeAssistant,
			Content: fmt.Sprintf("line %d", i),
		})
	}
	ts.Append("chan:2", agentproto.Chunk{Type: agentproto.ChunkTypeResult, IsFinal: true})

	entries := ts.Get("chan:1", 0)
	require.Len(t, entries, 3)
	assert.Equal(t, "line 2", entries[0].Chunk.Content)
	assert.Equal(t, "line 4", entries[2].Chunk.Content)

	entries = ts.Get("chan:1", 1)
	require.Len(t, entries, 1)
	assert.Equal(t, "line 4", entries[0].Chunk.Content)

	assert.Empty(t, ts.Get("chan:absent", 0))
	assert.ElementsMatch(t, []string{"chan:1", "chan:2"}, ts.Sessions())

	ts.Delete("chan:1")
	assert.Empty(t, ts.Get("chan:1", 0))
}
