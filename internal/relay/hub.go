package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hades/internal/mission"
)

const (
	defaultWriteTimeout  = 10 * time.Second
	defaultJoinTimeout   = 5 * time.Second
	defaultSessionBuffer = 64
	maxCommandBytes      = 1 << 20
)

var errBackpressure = errors.New("session queue full")

// Submitter publishes inbound commands.
type Submitter interface {
	Submit(ctx context.Context, payload []byte) (mission.Entry, error)
	Forward(ctx context.Context, key string, payload []byte) error
}

// Observers tracks which sessions watch which mission.
type Observers interface {
	Register(id uuid.UUID, sessionID string)
	Unregister(id uuid.UUID, sessionID string)
}

type HubConfig struct {
	Commands       Submitter
	Guard          Guard
	Observers      Observers
	AllowedOrigins []string
	WriteTimeout   time.Duration
	JoinTimeout    time.Duration
	SessionBuffer  int
	Logger         *zap.Logger
}

// Hub owns the set of connected observer sessions. Sessions opened on
// /ws/{id} receive events routed with that mission id; sessions opened on
// /ws receive everything.
type Hub struct {
	commands     Submitter
	guard        Guard
	observers    Observers
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	joinTimeout  time.Duration
	buffer       int
	logger       *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		commands:     cfg.Commands,
		guard:        cfg.Guard,
		observers:    cfg.Observers,
		upgrader:     makeUpgrader(cfg.AllowedOrigins),
		writeTimeout: cfg.WriteTimeout,
		joinTimeout:  cfg.JoinTimeout,
		buffer:       cfg.SessionBuffer,
		logger:       cfg.Logger,
		sessions:     map[string]*Session{},
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	if h.joinTimeout <= 0 {
		h.joinTimeout = defaultJoinTimeout
	}
	if h.buffer <= 0 {
		h.buffer = defaultSessionBuffer
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("hub")
	return h
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// Len returns the number of connected sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Lookup returns the sessions that receive events for missionID.
func (h *Hub) Lookup(missionID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Session
	for _, s := range h.sessions {
		if s.MissionID == "" || s.MissionID == missionID {
			out = append(out, s)
		}
	}
	return out
}

// Fanout queues frame for every session interested in routingKey. A session
// that cannot take the frame is dropped; the others still receive it.
func (h *Hub) Fanout(routingKey string, frame []byte) int {
	delivered := 0
	for _, s := range h.Lookup(routingKey) {
		if s.enqueue(frame) {
			delivered++
			continue
		}
		h.drop(s, errBackpressure)
	}
	return delivered
}

// attach registers a session for conn and starts its writer.
func (h *Hub) attach(missionID string, conn wsConn) (*Session, error) {
	s := newSession(uuid.NewString(), missionID, conn, h.buffer, h.writeTimeout)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("hub closed")
	}
	h.sessions[s.ID] = s
	h.mu.Unlock()
	if id, err := uuid.Parse(missionID); err == nil && h.observers != nil {
		h.observers.Register(id, s.ID)
	}
	go s.writeLoop(h.drop)
	h.logger.Debug("session attached", zap.String("session_id", s.ID), zap.String("mission_id", missionID))
	return s, nil
}

// remove unregisters s. It reports whether s was still registered.
func (h *Hub) remove(s *Session) bool {
	h.mu.Lock()
	_, ok := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	if !ok {
		return false
	}
	if id, err := uuid.Parse(s.MissionID); err == nil && h.observers != nil {
		h.observers.Unregister(id, s.ID)
	}
	return true
}

// drop removes a failed session and closes its socket without waiting on
// its writer, which may be the caller.
func (h *Hub) drop(s *Session, cause error) {
	if !h.remove(s) {
		return
	}
	h.logger.Info("dropping session", zap.String("session_id", s.ID), zap.String("mission_id", s.MissionID), zap.Error(cause))
	s.close()
	_ = s.conn.Close()
}

// Close disconnects every session. Their read loops then return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		h.drop(s, errors.New("relay shutting down"))
	}
}

// ServeWS upgrades the request and serves one observer. missionID is empty
// for the unscoped endpoint.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, missionID string) {
	if missionID != "" {
		if _, err := uuid.Parse(missionID); err != nil {
			http.Error(w, "invalid mission id", http.StatusBadRequest)
			return
		}
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxCommandBytes)
	s, err := h.attach(missionID, conn)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	defer func() {
		h.remove(s)
		if !s.join(h.joinTimeout) {
			h.logger.Warn("session writer did not stop in time", zap.String("session_id", s.ID))
		}
		conn.Close()
		h.logger.Debug("session closed", zap.String("session_id", s.ID))
	}()

	ctx := context.WithoutCancel(r.Context())
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		h.handleCommand(ctx, s, msg)
	}
}

func (h *Hub) reply(s *Session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !s.enqueue(data) {
		h.drop(s, errBackpressure)
	}
}

func (h *Hub) handleCommand(ctx context.Context, s *Session, text []byte) {
	cmd, err := ParseCommand(text)
	if err != nil {
		if !s.enqueue(invalidFrame(text)) {
			h.drop(s, errBackpressure)
		}
		return
	}
	if h.commands == nil {
		h.reply(s, ack{Type: "mission.rejected", Error: "relay does not accept commands"})
		return
	}
	logger := h.logger.With(zap.String("session_id", s.ID), zap.String("command", cmd.Type))

	if cmd.IdempotencyKey != "" && h.guard != nil {
		first, err := h.guard.Claim(ctx, cmd.IdempotencyKey)
		if err != nil {
			logger.Warn("idempotency check failed, publishing anyway", zap.Error(err))
		} else if !first {
			h.reply(s, ack{Type: "mission.duplicate", IdempotencyKey: cmd.IdempotencyKey})
			return
		}
	}

	res, err := h.dispatch(ctx, cmd)
	if err != nil {
		if cmd.IdempotencyKey != "" && h.guard != nil {
			if rerr := h.guard.Release(ctx, cmd.IdempotencyKey); rerr != nil {
				logger.Warn("release idempotency key failed", zap.Error(rerr))
			}
		}
		var verr *mission.ValidationError
		if errors.As(err, &verr) {
			if !s.enqueue(invalidFrame(text)) {
				h.drop(s, errBackpressure)
			}
			return
		}
		logger.Error("command publish failed", zap.Error(err))
		h.reply(s, ack{Type: "mission.rejected", IdempotencyKey: cmd.IdempotencyKey, Error: err.Error()})
		return
	}
	res.IdempotencyKey = cmd.IdempotencyKey
	h.reply(s, res)
}

func (h *Hub) dispatch(ctx context.Context, cmd Command) (ack, error) {
	if cmd.Type == SubmitCommand {
		entry, err := h.commands.Submit(ctx, cmd.Payload)
		if err != nil {
			return ack{}, err
		}
		return ack{Type: "mission.accepted", ID: entry.ID.String()}, nil
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return ack{}, err
	}
	if err := h.commands.Forward(ctx, cmd.Key, body); err != nil {
		return ack{}, err
	}
	return ack{Type: "mission.accepted"}, nil
}
