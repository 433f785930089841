package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/vkode/conductor/pkg/approval"
)

const wsWriteTimeout = 5 * time.Second

// ApprovalResolver resolves a pending approval by id, implemented by the
// permission gate.
type ApprovalResolver interface {
	Resolve(approvalID string, approved bool) bool
}

// wsClient is one connected websocket observer
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu sync.Mutex // serializes writes to conn
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// wsEvent is the envelope sent to websocket clients
type wsEvent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// wsCommand is an inbound client message, used to resolve approvals
type wsCommand struct {
	Type       string `json:"type"`
	ApprovalID string `json:"approvalId"`
	Approved   bool   `json:"approved"`
}

// WSServer broadcasts progress snapshots and approval events to websocket
// clients, and accepts approve/deny commands back from them. It implements
// both the progress Sink and the approval Observer.
type WSServer struct {
	addr      string
	resolver  ApprovalResolver
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	server    *http.Server
	closeOnce sync.Once

	metricsHandler http.Handler

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewWSServer creates a websocket progress server listening on addr
func NewWSServer(addr string, resolver ApprovalResolver, logger zerolog.Logger) *WSServer {
	return &WSServer{
		addr:     addr,
		resolver: resolver,
		logger:   logger,
		clients:  make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetMetricsHandler mounts an additional handler at /metrics. Must be
// called before Start.
func (s *WSServer) SetMetricsHandler(h http.Handler) {
	s.metricsHandler = h
}

// Start begins serving websocket connections
func (s *WSServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting progress websocket server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Progress websocket server error")
		}
	}()
	return nil
}

// Stop closes all client connections and shuts the server down
func (s *WSServer) Stop() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for _, client := range s.clients {
			client.conn.Close()
		}
		s.clients = make(map[string]*wsClient)
		s.mu.Unlock()

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := s.server.Shutdown(ctx); serr != nil {
				err = fmt.Errorf("failed to shutdown progress server: %w", serr)
			}
		}
	})
	return err
}

// Publish implements Sink, fanning the snapshot out to all clients
func (s *WSServer) Publish(snap Snapshot) error {
	s.broadcast("progress", snap)
	return nil
}

// ApprovalPending implements approval.Observer
func (s *WSServer) ApprovalPending(pending approval.Pending) {
	s.broadcast("approval.pending", pending)
}

// ApprovalResolved implements approval.Observer
func (s *WSServer) ApprovalResolved(approvalID string, approved bool) {
	s.broadcast("approval.resolved", map[string]interface{}{
		"approvalId": approvalID,
		"approved":   approved,
	})
}

// broadcast sends one event to every connected client. Clients whose
// writes fail or stall past the deadline are dropped.
func (s *WSServer) broadcast(event string, data interface{}) {
	msg := wsEvent{
		Type:      event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	s.mu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	for _, client := range clients {
		if err := client.writeJSON(msg); err != nil {
			s.logger.Warn().
				Err(err).
				Str("client_id", client.id).
				Str("event", event).
				Msg("Dropping slow websocket client")
			s.dropClient(client)
		}
	}
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &wsClient{id: clientID, conn: conn}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Progress client connected")

	go s.readLoop(client)
}

// readLoop consumes inbound commands until the connection drops
func (s *WSServer) readLoop(client *wsClient) {
	defer s.dropClient(client)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Warn().Str("client_id", client.id).Msg("Ignoring malformed client message")
			continue
		}

		switch cmd.Type {
		case "approval.resolve":
			if s.resolver == nil || cmd.ApprovalID == "" {
				continue
			}
			if !s.resolver.Resolve(cmd.ApprovalID, cmd.Approved) {
				s.logger.Warn().
					Str("client_id", client.id).
					Str("approval_id", cmd.ApprovalID).
					Msg("Approval resolution targeted unknown or settled request")
			}
		default:
			s.logger.Debug().
				Str("client_id", client.id).
				Str("type", cmd.Type).
				Msg("Ignoring unknown client command")
		}
	}
}

func (s *WSServer) dropClient(client *wsClient) {
	client.conn.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[client.id]; ok && existing == client {
		delete(s.clients, client.id)
	}
}
