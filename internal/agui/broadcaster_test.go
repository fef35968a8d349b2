package agui

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingStore struct {
	saved []string
	fail  error
}

func (r *recordingStore) SaveEvent(ctx context.Context, elementID, eventType string, data map[string]any, ts time.Time) error {
	if r.fail != nil {
		return r.fail
	}
	r.saved = append(r.saved, eventType)
	return nil
}

func drain(s *Subscriber) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, NewEvent(EventElementActivated, "a", nil)))
	require.NoError(t, b.Publish(ctx, NewEvent(EventTaskProgress, "a", map[string]any{"progress": 0.5})))
	require.NoError(t, b.Publish(ctx, NewEvent(EventElementCompleted, "a", nil)))

	got := drain(sub)
	require.Len(t, got, 3)
	assert.Equal(t, EventElementActivated, got[0].Type)
	assert.Equal(t, EventTaskProgress, got[1].Type)
	assert.Equal(t, EventElementCompleted, got[2].Type)
	assert.Equal(t, 0.5, got[1].Data["progress"])
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	require.NoError(t, b.Publish(context.Background(), NewEvent(EventWorkflowStarted, "", nil)))
	assert.Len(t, drain(s1), 1)
	assert.Len(t, drain(s2), 1)
}

func TestPersistBeforeBroadcast(t *testing.T) {
	store := &recordingStore{}
	b := NewBroadcaster(zap.NewNop(), WithStore(store))
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	require.NoError(t, b.Publish(context.Background(), NewEvent(EventElementActivated, "a", nil)))
	assert.Equal(t, []string{EventElementActivated}, store.saved)
	assert.Len(t, drain(sub), 1)
}

func TestPersistFailureBlocksBroadcast(t *testing.T) {
	store := &recordingStore{fail: assert.AnError}
	b := NewBroadcaster(zap.NewNop(), WithStore(store))
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	err := b.Publish(context.Background(), NewEvent(EventElementActivated, "a", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, drain(sub), "a failed persist must not reach subscribers")
}

func TestCategoryFilter(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.RegisterTaskCategories("agent", []string{CategoryMessaging, CategoryLifecycle})

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, NewEvent(EventTextMessageChunk, "agent", nil))) // messaging: pass
	require.NoError(t, b.Publish(ctx, NewEvent(EventTaskToolStart, "agent", nil)))    // tool: filtered
	require.NoError(t, b.Publish(ctx, NewEvent(EventElementCompleted, "agent", nil))) // lifecycle: pass
	require.NoError(t, b.Publish(ctx, NewEvent(EventTaskToolStart, "other", nil)))    // unregistered element: pass

	got := drain(sub)
	require.Len(t, got, 3)
	assert.Equal(t, EventTextMessageChunk, got[0].Type)
	assert.Equal(t, EventElementCompleted, got[1].Type)
	assert.Equal(t, "other", got[2].ElementID)
}

func TestCategoryFilterStillPersists(t *testing.T) {
	store := &recordingStore{}
	b := NewBroadcaster(zap.NewNop(), WithStore(store))
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.RegisterTaskCategories("agent", []string{CategoryMessaging})
	require.NoError(t, b.Publish(context.Background(), NewEvent(EventTaskToolStart, "agent", nil)))

	assert.Equal(t, []string{EventTaskToolStart}, store.saved, "filtered events are persisted")
	assert.Empty(t, drain(sub))
}

func TestClearCategoryFilter(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.RegisterTaskCategories("agent", []string{CategoryMessaging})
	b.RegisterTaskCategories("agent", nil)

	require.NoError(t, b.Publish(context.Background(), NewEvent(EventTaskToolStart, "agent", nil)))
	assert.Len(t, drain(sub), 1)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), WithBufferSize(4))
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, NewEvent(EventTaskProgress, "a", map[string]any{"seq": i})))
	}

	got := drain(sub)
	// Buffer of 4 held seq 0..3; seq 4 dropped seq 0 and 1, then queued the
	// overflow warning and itself.
	require.Len(t, got, 4)
	assert.Equal(t, 2, got[0].Data["seq"])
	assert.Equal(t, 3, got[1].Data["seq"])
	assert.Equal(t, EventStreamOverflow, got[2].Type)
	assert.Equal(t, int64(2), got[2].Data["dropped"])
	assert.Equal(t, 4, got[3].Data["seq"])
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), WithBufferSize(4))
	slow := b.Subscribe()
	fast := b.Subscribe()
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	ctx := context.Background()
	var fastGot []Event
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(ctx, NewEvent(EventTaskProgress, "a", map[string]any{"seq": i})))
		fastGot = append(fastGot, drain(fast)...)
	}

	// The draining subscriber saw every event without overflow warnings.
	require.Len(t, fastGot, 6)
	for i, ev := range fastGot {
		assert.Equal(t, EventTaskProgress, ev.Type)
		assert.Equal(t, i, ev.Data["seq"])
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)

	// Double unsubscribe is safe.
	b.Unsubscribe(sub)
}

func TestEventMarshalFlattens(t *testing.T) {
	ev := Event{
		Type:      EventTaskProgress,
		ElementID: "task_1",
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Data:      map[string]any{"status": "running", "progress": 0.5},
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "task.progress", out["type"])
	assert.Equal(t, "task_1", out["elementId"])
	assert.Equal(t, "running", out["status"])
	assert.Equal(t, 0.5, out["progress"])
	assert.Equal(t, "2026-08-01T12:00:00Z", out["timestamp"])
	_, nested := out["data"]
	assert.False(t, nested, "payload fields are flattened, not nested under data")
}

func TestCategoryLookup(t *testing.T) {
	assert.Equal(t, CategoryMessaging, Category(EventTextMessageChunk))
	assert.Equal(t, CategoryTool, Category(EventTaskToolEnd))
	assert.Equal(t, CategoryLifecycle, Category(EventGatewayDeadlock))
	assert.Equal(t, CategorySpecial, Category(EventUserTaskCreated))
	assert.Equal(t, "", Category("custom.event"))
}
