package httpapi

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/agui"
	"github.com/fluxbpm/engine/internal/engine"
	"github.com/fluxbpm/engine/internal/eventstore"
	"github.com/fluxbpm/engine/internal/tasks"
)

// socketCommands adapts the engine's command surface to the websocket's
// string-typed contract.
type socketCommands struct {
	eng *engine.Engine
}

func (c socketCommands) CompleteUserTask(taskID, decision, comments, completedBy string) bool {
	return c.eng.CompleteUserTask(taskID, tasks.UserDecision{
		Decision:    decision,
		Comments:    comments,
		CompletedBy: completedBy,
	})
}

func (c socketCommands) CancelTask(taskID, reason string) bool {
	return c.eng.CancelTask(taskID, reason)
}

// NewSocketServer wires the websocket surface to the engine and event store:
// replay requests are answered from thread history, clear requests drop an
// element's persisted history.
func NewSocketServer(eng *engine.Engine, store *eventstore.Store, logger *zap.Logger) *agui.SocketServer {
	replay := func(elementID string) (map[string]any, error) {
		history, err := store.ThreadHistory(elementID)
		if err != nil || history == nil {
			return nil, err
		}
		raw, err := json.Marshal(history)
		if err != nil {
			return nil, err
		}
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	clear := func(elementID string) error {
		return store.ClearElement(elementID)
	}
	return agui.NewSocketServer(eng.Broadcaster(), socketCommands{eng: eng}, replay, clear, logger)
}
