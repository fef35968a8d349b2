package agui

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

// CommandTarget receives commands arriving over the websocket.
type CommandTarget interface {
	CompleteUserTask(taskID, decision, comments, completedBy string) bool
	CancelTask(taskID, reason string) bool
}

// SocketServer bridges the broadcaster onto websocket connections and routes
// inbound client commands (user task completion, cancellation, replay, clear).
type SocketServer struct {
	bc       *Broadcaster
	commands CommandTarget
	// Replay returns the messages.snapshot payload for one element, or nil
	// when the element has no history.
	replay func(elementID string) (map[string]any, error)
	clear  func(elementID string) error
	logger *zap.Logger
}

// NewSocketServer wires the websocket surface.
func NewSocketServer(bc *Broadcaster, commands CommandTarget,
	replay func(string) (map[string]any, error), clear func(string) error,
	logger *zap.Logger) *SocketServer {
	return &SocketServer{bc: bc, commands: commands, replay: replay, clear: clear, logger: logger}
}

// Register installs the /ws endpoint.
func (s *SocketServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
}

// inbound is the wire shape of client-to-engine messages. Only the fields
// relevant to the named type are populated.
type inbound struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId,omitempty"`
	ElementID   string `json:"elementId,omitempty"`
	Decision    string `json:"decision,omitempty"`
	Comments    string `json:"comments,omitempty"`
	CompletedBy string `json:"completedBy,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (s *SocketServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.bc.Subscribe()
	defer s.bc.Unsubscribe(sub)

	// Out-of-band frames (pong, snapshots) go through this channel so only
	// the writer pump touches the connection.
	direct := make(chan Event, 32)

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			s.handleInbound(raw, direct)
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case ev := <-direct:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *SocketServer) handleInbound(raw []byte, direct chan<- Event) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("unparsable websocket message", zap.Error(err))
		return
	}

	switch msg.Type {
	case EventPing:
		select {
		case direct <- NewEvent(EventPong, "", nil):
		default:
		}

	case "userTask.complete":
		if msg.TaskID == "" {
			return
		}
		ok := s.commands.CompleteUserTask(msg.TaskID, msg.Decision, msg.Comments, msg.CompletedBy)
		if !ok {
			s.logger.Warn("user task completion had no waiter", zap.String("task_id", msg.TaskID))
		}

	case "task.cancel":
		if msg.TaskID == "" {
			return
		}
		reason := msg.Reason
		if reason == "" {
			reason = "cancelled by user"
		}
		s.commands.CancelTask(msg.TaskID, reason)

	case EventReplayRequest:
		if msg.ElementID == "" || s.replay == nil {
			return
		}
		snapshot, err := s.replay(msg.ElementID)
		if err != nil {
			s.logger.Error("replay failed", zap.String("element_id", msg.ElementID), zap.Error(err))
			return
		}
		if snapshot == nil {
			snapshot = map[string]any{"threadId": nil, "messages": []any{}, "thinking": []any{}, "tools": []any{}}
		}
		select {
		case direct <- NewEvent(EventMessagesSnapshot, msg.ElementID, snapshot):
		default:
			s.logger.Warn("snapshot dropped, direct channel full", zap.String("element_id", msg.ElementID))
		}

	case EventClearHistory:
		if msg.ElementID == "" || s.clear == nil {
			return
		}
		if err := s.clear(msg.ElementID); err != nil {
			s.logger.Error("clear history failed", zap.String("element_id", msg.ElementID), zap.Error(err))
		}

	default:
		s.logger.Debug("ignoring unknown websocket message type", zap.String("type", msg.Type))
	}
}
