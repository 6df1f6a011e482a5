package audit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aorbit/agent-gateway/internal/audit"
	"github.com/aorbit/agent-gateway/internal/crypto"
	"github.com/aorbit/agent-gateway/internal/kv"
)

func newTestLogger(t *testing.T) (*audit.Logger, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	key := make([]byte, 32)
	cipher, err := crypto.NewCipher(key)
	require.NoError(t, err)
	return audit.NewLogger(store, crypto.NewDataProtector(cipher), nil), store
}

func TestLogEventAndGetEvent(t *testing.T) {
	ctx := context.Background()
	logger, _ := newTestLogger(t)

	in := &audit.Event{
		Type:      audit.EventAuthSuccess,
		UserID:    "user-1",
		APIKeyID:  "key-1",
		IPAddress: "10.0.0.1",
		Action:    "login",
		Status:    "success",
		Details:   map[string]any{"reason": "valid key"},
	}
	id, err := logger.LogEvent(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := logger.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, audit.EventAuthSuccess, got.Type)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "key-1", got.APIKeyID)
	assert.Equal(t, "login", got.Action)
	assert.Equal(t, "success", got.Status)
	assert.Equal(t, "valid key", got.Details["reason"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestGetEventNotFound(t *testing.T) {
	logger, _ := newTestLogger(t)
	_, err := logger.GetEvent(context.Background(), "nope")
	assert.ErrorIs(t, err, audit.ErrEventNotFound)
}

func TestLogEventRecordIsImmutable(t *testing.T) {
	// A logged event read back twice must be identical: there is no mutation
	// API, and changes to the caller's copy must not leak into the store.
	ctx := context.Background()
	logger, _ := newTestLogger(t)

	in := &audit.Event{Type: audit.EventAccessDenied, UserID: "u", Status: "failure"}
	id, err := logger.LogEvent(ctx, in)
	require.NoError(t, err)

	first, err := logger.GetEvent(ctx, id)
	require.NoError(t, err)

	// Mutate the caller's copy after logging.
	in.Status = "tampered"
	in.UserID = "someone-else"

	second, err := logger.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "failure", second.Status)
	assert.Equal(t, "u", second.UserID)
}

func TestLogEventMasksPII(t *testing.T) {
	ctx := context.Background()
	logger, _ := newTestLogger(t)

	id, err := logger.LogEvent(ctx, &audit.Event{
		Type:    audit.EventAgentExecution,
		Details: map[string]any{"input": "ssn 123-45-6789 supplied"},
	})
	require.NoError(t, err)

	got, err := logger.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ssn *********** supplied", got.Details["input"])
}

func TestQueryEventsByTypeAndUser(t *testing.T) {
	ctx := context.Background()
	logger, _ := newTestLogger(t)

	base := time.Now().UTC()
	events := []*audit.Event{
		{Type: audit.EventAuthSuccess, UserID: "alice", Timestamp: base.Add(-3 * time.Minute)},
		{Type: audit.EventAuthFailure, UserID: "alice", Timestamp: base.Add(-2 * time.Minute)},
		{Type: audit.EventAuthSuccess, UserID: "bob", Timestamp: base.Add(-1 * time.Minute)},
	}
	for _, e := range events {
		_, err := logger.LogEvent(ctx, e)
		require.NoError(t, err)
	}

	byType, err := logger.QueryEvents(ctx, audit.Query{Type: audit.EventAuthSuccess})
	require.NoError(t, err)
	require.Len(t, byType, 2)
	// Newest first.
	assert.Equal(t, "bob", byType[0].UserID)
	assert.Equal(t, "alice", byType[1].UserID)

	byUser, err := logger.QueryEvents(ctx, audit.Query{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	both, err := logger.QueryEvents(ctx, audit.Query{UserID: "alice", Type: audit.EventAuthFailure})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, audit.EventAuthFailure, both[0].Type)
}

func TestQueryEventsTimeWindowAndLimit(t *testing.T) {
	ctx := context.Background()
	logger, _ := newTestLogger(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := logger.LogEvent(ctx, &audit.Event{
			Type:      audit.EventAPIRequest,
			Timestamp: base.Add(time.Duration(-i) * time.Hour),
		})
		require.NoError(t, err)
	}

	recent, err := logger.QueryEvents(ctx, audit.Query{
		Start: base.Add(-150 * time.Minute),
		End:   base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	limited, err := logger.QueryEvents(ctx, audit.Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestExportEvents(t *testing.T) {
	ctx := context.Background()
	logger, _ := newTestLogger(t)

	_, err := logger.LogEvent(ctx, &audit.Event{Type: audit.EventAuthSuccess, UserID: "alice"})
	require.NoError(t, err)

	out, err := logger.ExportEvents(ctx, audit.Query{})
	require.NoError(t, err)

	var doc struct {
		Metadata struct {
			Count int `json:"count"`
		} `json:"metadata"`
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, 1, doc.Metadata.Count)
	require.Len(t, doc.Events, 1)
	assert.Equal(t, "alice", doc.Events[0].UserID)
}

func TestExportEventsIsUnbounded(t *testing.T) {
	// A zero-limit query must return every matching event; exports must not
	// inherit the interactive query page size.
	ctx := context.Background()
	logger, _ := newTestLogger(t)

	const total = 120
	for i := 0; i < total; i++ {
		_, err := logger.LogEvent(ctx, &audit.Event{Type: audit.EventAgentExecution, UserID: "alice"})
		require.NoError(t, err)
	}

	out, err := logger.ExportEvents(ctx, audit.Query{})
	require.NoError(t, err)

	var doc struct {
		Metadata map[string]any `json:"metadata"`
		Events   []audit.Event  `json:"events"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.EqualValues(t, total, doc.Metadata["count"])
	assert.Len(t, doc.Events, total)

	// No range was requested, so none is echoed back.
	assert.NotContains(t, doc.Metadata, "start")
	assert.NotContains(t, doc.Metadata, "end")
}

func TestExportEventsEchoesRequestedRange(t *testing.T) {
	ctx := context.Background()
	logger, _ := newTestLogger(t)

	_, err := logger.LogEvent(ctx, &audit.Event{Type: audit.EventAuthSuccess, UserID: "alice"})
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	out, err := logger.ExportEvents(ctx, audit.Query{Start: start, End: end})
	require.NoError(t, err)

	var doc struct {
		Metadata struct {
			Count int       `json:"count"`
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, 1, doc.Metadata.Count)
	assert.True(t, start.Equal(doc.Metadata.Start))
	assert.True(t, end.Equal(doc.Metadata.End))
}
