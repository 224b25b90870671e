// Package stream pushes live engine events to websocket clients.
//
// Clients subscribe to scenarios; evaluation updates are filtered per
// subscription while signal updates and alerts fan out to everyone. Each
// connection has a bounded outbound queue drained by a single writer
// goroutine; a client that cannot keep up is disconnected rather than allowed
// to stall the hub.
package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/worldpam/worldpam/internal/bus"
)

// Outbound message types.
const (
	MsgSubscribed       = "subscribed"
	MsgUnsubscribed     = "unsubscribed"
	MsgPong             = "pong"
	MsgSignalUpdate     = "signal_update"
	MsgEvaluationUpdate = "evaluation_update"
	MsgAlert            = "alert"
	MsgError            = "error"
)

// Inbound client actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"
)

const (
	sendQueueSize = 32
	writeTimeout  = 10 * time.Second
)

// Message is the wire envelope for outbound traffic.
type Message struct {
	Type     string `json:"type"`
	Scenario string `json:"scenario,omitempty"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
}

type command struct {
	Action   string `json:"action"`
	Scenario string `json:"scenario,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan Message

	mu        sync.Mutex
	scenarios map[string]struct{}
	closed    bool
}

func (c *client) wants(scenario string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.scenarios) == 0 {
		return true
	}
	_, ok := c.scenarios[scenario]
	return ok
}

// Manager is the websocket hub.
type Manager struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a Manager and subscribes it to the bus.
func New(events *bus.Bus, logger *slog.Logger) *Manager {
	m := &Manager{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}
	events.Subscribe(bus.TypeSignalUpdate, func(ev bus.Event) {
		m.broadcast(Message{Type: MsgSignalUpdate, Data: ev}, "")
	})
	events.Subscribe(bus.TypeEvaluationUpdate, func(ev bus.Event) {
		update := ev.(bus.EvaluationUpdate)
		m.broadcast(Message{Type: MsgEvaluationUpdate, Scenario: update.Hypothesis, Data: ev},
			update.Hypothesis)
	})
	events.Subscribe(bus.TypeAlert, func(ev bus.Event) {
		m.broadcast(Message{Type: MsgAlert, Data: ev}, "")
	})
	return m
}

// HandleWS upgrades the request and serves the connection until it closes.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{
		conn:      conn,
		send:      make(chan Message, sendQueueSize),
		scenarios: make(map[string]struct{}),
	}
	m.mu.Lock()
	m.clients[c] = struct{}{}
	m.mu.Unlock()
	m.logger.Debug("websocket client connected", slog.String("remote", r.RemoteAddr))

	go m.writeLoop(c)
	m.readLoop(c)
}

// ClientCount reports the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// CloseAll disconnects every client.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()
	for _, c := range clients {
		m.drop(c)
	}
}

func (m *Manager) readLoop(c *client) {
	defer m.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			m.enqueue(c, Message{Type: MsgError, Error: "malformed command"})
			continue
		}
		switch cmd.Action {
		case actionSubscribe:
			if cmd.Scenario == "" {
				m.enqueue(c, Message{Type: MsgError, Error: "subscribe requires a scenario"})
				continue
			}
			c.mu.Lock()
			c.scenarios[cmd.Scenario] = struct{}{}
			c.mu.Unlock()
			m.enqueue(c, Message{Type: MsgSubscribed, Scenario: cmd.Scenario})
		case actionUnsubscribe:
			c.mu.Lock()
			delete(c.scenarios, cmd.Scenario)
			c.mu.Unlock()
			m.enqueue(c, Message{Type: MsgUnsubscribed, Scenario: cmd.Scenario})
		case actionPing:
			m.enqueue(c, Message{Type: MsgPong})
		default:
			m.enqueue(c, Message{Type: MsgError, Error: "unknown action: " + cmd.Action})
		}
	}
}

func (m *Manager) writeLoop(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			m.drop(c)
			return
		}
	}
}

// broadcast queues msg for every client; scenario-scoped messages only go to
// clients subscribed to that scenario (or to everything).
func (m *Manager) broadcast(msg Message, scenario string) {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		if scenario != "" && !c.wants(scenario) {
			continue
		}
		m.enqueue(c, msg)
	}
}

// enqueue adds msg to the client's queue; a full queue disconnects the client.
func (m *Manager) enqueue(c *client, msg Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		m.logger.Warn("websocket client too slow, disconnecting")
		m.drop(c)
	}
}

func (m *Manager) drop(c *client) {
	m.mu.Lock()
	_, present := m.clients[c]
	delete(m.clients, c)
	m.mu.Unlock()

	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		close(c.send)
		c.conn.Close()
	}
	if present {
		m.logger.Debug("websocket client disconnected")
	}
}
