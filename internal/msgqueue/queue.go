// Package msgqueue implements message correlation between external webhooks
// and receive tasks. Messages that arrive before their receiver are mailboxed
// by correlation key; receivers that arrive first park until delivery or
// timeout.
package msgqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/metrics"
)

// ErrCorrelationTimeout is returned by Wait when no message arrives within
// the receive task's timeout.
var ErrCorrelationTimeout = errors.New("message correlation timeout")

// Message is one correlated payload.
type Message struct {
	MessageRef     string         `json:"messageRef"`
	CorrelationKey string         `json:"correlationKey"`
	Payload        map[string]any `json:"payload"`
	Timestamp      time.Time      `json:"timestamp"`
}

type waiter struct {
	taskID     string
	messageRef string
	ch         chan Message
}

// Queue routes messages by correlation key. Delivery wakes the oldest
// matching waiter; undeliverable messages are mailboxed until a receiver
// shows up.
type Queue struct {
	mu       sync.Mutex
	mailbox  map[string][]Message
	waiting  map[string][]*waiter
	queued   int
	logger   *zap.Logger
	warnSize int

	// onOverflow is invoked (outside the lock) when the mailbox for one key
	// exceeds warnSize, so the engine can publish a queue.overflow event.
	onOverflow func(key string, depth int)
}

// New creates a Queue. warnSize is the per-key mailbox depth above which the
// overflow callback fires; zero disables the warning.
func New(logger *zap.Logger, warnSize int) *Queue {
	return &Queue{
		mailbox:  make(map[string][]Message),
		waiting:  make(map[string][]*waiter),
		logger:   logger,
		warnSize: warnSize,
	}
}

// OnOverflow registers the mailbox-depth warning callback.
func (q *Queue) OnOverflow(fn func(key string, depth int)) {
	q.mu.Lock()
	q.onOverflow = fn
	q.mu.Unlock()
}

// Deliver routes a message to the oldest waiter for its correlation key, or
// queues it when nobody is waiting yet. Returns true when a waiter consumed
// the message immediately.
func (q *Queue) Deliver(messageRef, correlationKey string, payload map[string]any) bool {
	msg := Message{
		MessageRef:     messageRef,
		CorrelationKey: correlationKey,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
	}

	q.mu.Lock()
	for i, w := range q.waiting[correlationKey] {
		if w.messageRef != "" && messageRef != "" && w.messageRef != messageRef {
			continue
		}
		q.waiting[correlationKey] = append(q.waiting[correlationKey][:i], q.waiting[correlationKey][i+1:]...)
		if len(q.waiting[correlationKey]) == 0 {
			delete(q.waiting, correlationKey)
		}
		q.mu.Unlock()
		w.ch <- msg // buffered, never blocks
		metrics.MessagesDelivered.WithLabelValues("delivered").Inc()
		q.logger.Debug("message delivered to waiting task",
			zap.String("task_id", w.taskID),
			zap.String("correlation_key", correlationKey),
			zap.String("message_ref", messageRef))
		return true
	}

	q.mailbox[correlationKey] = append(q.mailbox[correlationKey], msg)
	q.queued++
	depth := len(q.mailbox[correlationKey])
	overflow := q.onOverflow
	q.mu.Unlock()

	metrics.MessagesDelivered.WithLabelValues("queued").Inc()
	metrics.QueueDepth.Inc()
	q.logger.Info("message queued awaiting receiver",
		zap.String("correlation_key", correlationKey),
		zap.String("message_ref", messageRef),
		zap.Int("depth", depth))
	if q.warnSize > 0 && depth > q.warnSize && overflow != nil {
		overflow(correlationKey, depth)
	}
	return false
}

// Wait blocks until a message matching (messageRef, correlationKey) is
// available. A message already queued for the key is consumed immediately
// (oldest first). Returns ErrCorrelationTimeout after timeout, or ctx.Err()
// if the task is cancelled while waiting.
func (q *Queue) Wait(ctx context.Context, taskID, messageRef, correlationKey string, timeout time.Duration) (Message, error) {
	q.mu.Lock()
	for i, msg := range q.mailbox[correlationKey] {
		if messageRef != "" && msg.MessageRef != "" && msg.MessageRef != messageRef {
			continue
		}
		q.mailbox[correlationKey] = append(q.mailbox[correlationKey][:i], q.mailbox[correlationKey][i+1:]...)
		if len(q.mailbox[correlationKey]) == 0 {
			delete(q.mailbox, correlationKey)
		}
		q.mu.Unlock()
		metrics.QueueDepth.Dec()
		q.logger.Debug("queued message consumed",
			zap.String("task_id", taskID),
			zap.String("correlation_key", correlationKey))
		return msg, nil
	}

	w := &waiter{taskID: taskID, messageRef: messageRef, ch: make(chan Message, 1)}
	q.waiting[correlationKey] = append(q.waiting[correlationKey], w)
	q.mu.Unlock()

	var timer *time.Timer
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutC = timer.C
		defer timer.Stop()
	}

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timeoutC:
		q.removeWaiter(correlationKey, w)
		// A message may have been delivered concurrently with the timer
		// firing; prefer it.
		select {
		case msg := <-w.ch:
			return msg, nil
		default:
		}
		return Message{}, ErrCorrelationTimeout
	case <-ctx.Done():
		q.removeWaiter(correlationKey, w)
		select {
		case msg := <-w.ch:
			return msg, nil
		default:
		}
		return Message{}, ctx.Err()
	}
}

func (q *Queue) removeWaiter(key string, target *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ws := q.waiting[key]
	for i, w := range ws {
		if w == target {
			q.waiting[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(q.waiting[key]) == 0 {
		delete(q.waiting, key)
	}
}

// Stats describes queue occupancy for the diagnostics endpoint.
type Stats struct {
	QueuedTotal  int      `json:"queuedTotal"`
	WaitingTotal int      `json:"waitingTotal"`
	Queued       int      `json:"queued"`
	Waiting      int      `json:"waiting"`
	Keys         []string `json:"keys"`
}

// Stats returns a point-in-time snapshot of mailbox and waiter counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{QueuedTotal: q.queued}
	for key, msgs := range q.mailbox {
		st.Queued += len(msgs)
		st.Keys = append(st.Keys, key)
	}
	for _, ws := range q.waiting {
		st.Waiting += len(ws)
		st.WaitingTotal += len(ws)
	}
	return st
}

// QueuedMessages returns the mailboxed messages for one correlation key,
// oldest first.
func (q *Queue) QueuedMessages(correlationKey string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.mailbox[correlationKey]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// ClearKey drops any mailboxed messages for one correlation key and returns
// how many were removed.
func (q *Queue) ClearKey(correlationKey string) int {
	q.mu.Lock()
	n := len(q.mailbox[correlationKey])
	delete(q.mailbox, correlationKey)
	q.mu.Unlock()
	for i := 0; i < n; i++ {
		metrics.QueueDepth.Dec()
	}
	return n
}

// Clear empties every mailbox. Waiters are left in place.
func (q *Queue) Clear() {
	q.mu.Lock()
	total := 0
	for _, msgs := range q.mailbox {
		total += len(msgs)
	}
	q.mailbox = make(map[string][]Message)
	q.mu.Unlock()
	for i := 0; i < total; i++ {
		metrics.QueueDepth.Dec()
	}
}
