// Package agentsink exposes a local WebSocket hub the external automation
// agent process attaches to: it receives CHAT and STATE_REPORT events as
// they arrive on the mesh and issues Commands back over the same
// connection.
package agentsink

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/meshhub/internal/command"
)

// Event is one outbound notification pushed to every attached agent.
type Event struct {
	Type      string                 `json:"type"` // "chat", "state_report", "device_event"
	NodeID    string                 `json:"node_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// inboundFrame is the shape an agent sends to issue a command.
type inboundFrame struct {
	RequestID string          `json:"request_id"`
	Command   command.Command `json:"command"`
}

// outboundResponse wraps a Response with the request_id it answers, so an
// agent issuing several concurrent commands can match replies.
type outboundResponse struct {
	RequestID string           `json:"request_id"`
	Response  command.Response `json:"response"`
}

// CommandHandler executes a Command issued by an attached agent and
// returns its outcome. Implemented by internal/meshchannel.
type CommandHandler func(cmd command.Command) command.Response

// Sink manages every attached agent WebSocket connection.
type Sink struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader

	handler CommandHandler
}

// New constructs a Sink. handler may be nil until SetCommandHandler is
// called; inbound commands received before that point are rejected.
func New() *Sink {
	return &Sink{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetCommandHandler registers fn as the executor for inbound agent
// commands.
func (s *Sink) SetCommandHandler(fn CommandHandler) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Run drives the register/unregister/broadcast loop. Intended to run in
// its own goroutine for the lifetime of the process.
func (s *Sink) Run() {
	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			n := len(s.clients)
			s.mu.Unlock()
			slog.Info("agentsink: agent attached", "clients", n)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			n := len(s.clients)
			s.mu.Unlock()
			slog.Info("agentsink: agent detached", "clients", n)

		case event := <-s.broadcast:
			s.mu.Lock()
			for client := range s.clients {
				if err := client.WriteJSON(event); err != nil {
					slog.Debug("agentsink: write failed, dropping client", "error", err)
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades r and registers the connection, then serves
// inbound command frames on their own goroutine until the connection
// closes.
func (s *Sink) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("agentsink: upgrade failed", "error", err)
		return
	}

	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleInbound(conn, data)
		}
	}()
}

func (s *Sink) handleInbound(conn *websocket.Conn, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Debug("agentsink: malformed inbound frame", "error", err)
		return
	}

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	var resp command.Response
	if handler == nil {
		resp = command.Response{Device: frame.Command.Device, Status: command.StatusError, Error: "no command handler configured"}
	} else {
		resp = handler(frame.Command)
	}

	_ = conn.WriteJSON(outboundResponse{RequestID: frame.RequestID, Response: resp})
}

// BroadcastChat notifies every attached agent of an inbound CHAT payload.
func (s *Sink) BroadcastChat(nodeID string, payload map[string]interface{}) {
	s.broadcast <- Event{Type: "chat", NodeID: nodeID, Payload: payload, Timestamp: time.Now()}
}

// BroadcastStateReport notifies every attached agent of a device's
// reported state.
func (s *Sink) BroadcastStateReport(nodeID string, payload map[string]interface{}) {
	s.broadcast <- Event{Type: "state_report", NodeID: nodeID, Payload: payload, Timestamp: time.Now()}
}

// BroadcastDeviceEvent notifies every attached agent of a registry
// lifecycle event (registered, updated, removed, state_changed, online,
// offline). kind is carried inside the payload so agents can filter without
// another frame field.
func (s *Sink) BroadcastDeviceEvent(nodeID, kind string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["kind"] = kind
	s.broadcast <- Event{Type: "device_event", NodeID: nodeID, Payload: payload, Timestamp: time.Now()}
}

// ClientCount reports the number of currently attached agents.
func (s *Sink) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
