package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/aorbit/agent-gateway/internal/crypto"
	"github.com/aorbit/agent-gateway/internal/kv"
)

const (
	eventsKey      = "audit:events"
	timestampIndex = "audit:index:timestamp"
	typeIndexFmt   = "audit:index:type:%s"
	userIndexFmt   = "audit:index:user:%s"
)

// ErrEventNotFound is returned by GetEvent for unknown event ids.
var ErrEventNotFound = errors.New("audit: event not found")

// Logger records audit events in the key-value store. Each event is written
// atomically to the event hash plus the time, type, and user indexes so a
// partially-indexed event can never be observed.
type Logger struct {
	store     kv.Store
	protector *crypto.DataProtector
	shipper   Shipper
}

// NewLogger creates an audit logger. protector may be nil to disable PII
// masking; shipper may be nil when no external delivery is configured.
func NewLogger(store kv.Store, protector *crypto.DataProtector, shipper Shipper) *Logger {
	return &Logger{store: store, protector: protector, shipper: shipper}
}

// LogEvent assigns the event an id and timestamp (when absent), masks PII in
// string detail values, and persists it. A store failure never propagates to
// the caller: the event is handed to the fallback shipper and the id is still
// returned, because an audit write must not fail the request it describes.
func (l *Logger) LogEvent(ctx context.Context, event *Event) (string, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if l.protector != nil {
		maskStrings(l.protector, event.Details)
		maskStrings(l.protector, event.Metadata)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal audit event: %w", err)
	}

	score := float64(event.Timestamp.UnixNano()) / float64(time.Second)

	pipe := l.store.Pipeline()
	pipe.HSet(eventsKey, event.ID, string(data))
	pipe.ZAdd(timestampIndex, score, event.ID)
	pipe.ZAdd(fmt.Sprintf(typeIndexFmt, event.Type), score, event.ID)
	if event.UserID != "" {
		pipe.ZAdd(fmt.Sprintf(userIndexFmt, event.UserID), score, event.ID)
	}

	if err := pipe.Exec(ctx); err != nil {
		slog.Error("audit store write failed, using fallback channel",
			"event_id", event.ID, "event_type", event.Type, "error", err)
		l.shipFallback(event)
		return event.ID, nil
	}

	if l.shipper != nil {
		if err := l.shipper.Ship(ctx, event); err != nil {
			slog.Warn("audit shipper delivery failed", "event_id", event.ID, "error", err)
		}
	}

	return event.ID, nil
}

// shipFallback delivers an event to the shipper when the primary store write
// failed. With no shipper configured the event is emitted to the application
// log so it is not silently lost.
func (l *Logger) shipFallback(event *Event) {
	if l.shipper == nil {
		slog.Error("audit event lost from store, recording in application log",
			"event_id", event.ID, "event_type", event.Type,
			"user_id", event.UserID, "resource", event.Resource, "status", event.Status)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.shipper.Ship(ctx, event); err != nil {
		slog.Error("audit fallback delivery failed, event lost",
			"event_id", event.ID, "error", err)
	}
}

// GetEvent retrieves a single event by id.
func (l *Logger) GetEvent(ctx context.Context, id string) (*Event, error) {
	data, err := l.store.HGet(ctx, eventsKey, id)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get audit event: %w", err)
	}

	var event Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("decode audit event %s: %w", id, err)
	}
	return &event, nil
}

// Query filters an event search. Zero-value fields are not applied.
type Query struct {
	Type   EventType
	UserID string
	Start  time.Time
	End    time.Time
	Limit  int64
}

// QueryEvents returns events matching the query, newest first. The narrowest
// available index is scanned (user, then type, then timestamp) and remaining
// filters are applied to the loaded events.
func (l *Logger) QueryEvents(ctx context.Context, q Query) ([]*Event, error) {
	index := timestampIndex
	switch {
	case q.UserID != "":
		index = fmt.Sprintf(userIndexFmt, q.UserID)
	case q.Type != "":
		index = fmt.Sprintf(typeIndexFmt, q.Type)
	}

	min := math.Inf(-1)
	if !q.Start.IsZero() {
		min = float64(q.Start.UnixNano()) / float64(time.Second)
	}
	max := math.Inf(1)
	if !q.End.IsZero() {
		max = float64(q.End.UnixNano()) / float64(time.Second)
	}

	ids, err := l.store.ZRevRangeByScore(ctx, index, min, max, q.Limit)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("query audit index: %w", err)
	}

	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		event, err := l.GetEvent(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				// Index entry without a body; skip rather than fail the query.
				continue
			}
			return nil, err
		}
		if q.Type != "" && event.Type != q.Type {
			continue
		}
		if q.UserID != "" && event.UserID != q.UserID {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// exportEnvelope is the JSON document produced by ExportEvents.
type exportEnvelope struct {
	Metadata exportMetadata `json:"metadata"`
	Events   []*Event       `json:"events"`
}

type exportMetadata struct {
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Start      time.Time `json:"start,omitzero"`
	End        time.Time `json:"end,omitzero"`
}

// ExportEvents serializes matching events into a JSON document with export
// metadata, suitable for handing to compliance tooling. The requested time
// range is echoed into the metadata so the document is self-describing.
func (l *Logger) ExportEvents(ctx context.Context, q Query) ([]byte, error) {
	events, err := l.QueryEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	return json.Marshal(exportEnvelope{
		Metadata: exportMetadata{
			ExportedAt: time.Now().UTC(),
			Count:      len(events),
			Start:      q.Start,
			End:        q.End,
		},
		Events: events,
	})
}

// maskStrings redacts PII patterns from every string value in m.
func maskStrings(protector *crypto.DataProtector, m map[string]any) {
	for k, v := range m {
		if s, ok := v.(string); ok {
			m[k] = protector.MaskPII(s)
		}
	}
}
