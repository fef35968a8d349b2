// Package streaming mirrors the AG-UI event feed into a Redis Stream so
// external consumers (dashboards, audit tails) can follow a run without
// holding a websocket open.
package streaming

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/agui"
)

const defaultMaxLen = 4096

// RedisMirror appends events to a capped Redis Stream. Failures are logged
// and swallowed; the mirror is best-effort and never blocks the engine.
type RedisMirror struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisMirror creates a mirror writing to the given stream key.
func NewRedisMirror(client *redis.Client, stream string, logger *zap.Logger) *RedisMirror {
	return &RedisMirror{client: client, stream: stream, maxLen: defaultMaxLen, logger: logger}
}

// Append writes one event to the stream.
func (m *RedisMirror) Append(ctx context.Context, ev agui.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("mirror: marshal event failed", zap.Error(err), zap.String("type", ev.Type))
		return
	}
	_, err = m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":       ev.Type,
			"element_id": ev.ElementID,
			"payload":    string(payload),
			"ts_nano":    strconv.FormatInt(ev.Timestamp.UnixNano(), 10),
		},
	}).Result()
	if err != nil {
		m.logger.Warn("mirror: xadd failed", zap.Error(err), zap.String("type", ev.Type))
	}
}

// Ping verifies connectivity at startup.
func (m *RedisMirror) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.client.Ping(ctx).Err()
}
