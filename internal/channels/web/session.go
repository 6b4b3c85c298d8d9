package web

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// session is one live WebSocket connection. The write pump owns the
// socket for writes; readPump owns it for reads.
type session struct {
	id      string
	conn    *websocket.Conn
	handler *Handler

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, conn *websocket.Conn, h *Handler) *session {
	return &session{
		id:      id,
		conn:    conn,
		handler: h,
		send:    make(chan []byte, 32),
		done:    make(chan struct{}),
	}
}

// outboundFrame covers both server pushes and in-band errors.
type outboundFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// readPump consumes client frames until the connection drops. It runs
// on the ServeHTTP goroutine.
func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(s.handler.readLimit)
	deadline := s.handler.pingInterval * 2
	s.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.handler.log.Warn(context.Background(), "websocket read failed",
					"connection_id", s.id, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("invalid frame")
			continue
		}
		s.handler.handleInbound(context.Background(), s, frame)
	}
}

// writePump serializes all socket writes: queued frames and keepalive
// pings.
func (s *session) writePump() {
	ticker := time.NewTicker(s.handler.pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// sendMessage queues a processor response push.
func (s *session) sendMessage(content string) error {
	return s.enqueue(outboundFrame{
		Type:      "message",
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// sendError queues an in-band error frame; failures are dropped since
// the connection is already in trouble.
func (s *session) sendError(msg string) {
	_ = s.enqueue(outboundFrame{Type: "error", Error: msg})
}

func (s *session) enqueue(frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrConnectionGone
	default:
		return errors.New("web: send buffer full")
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// sessionRegistry tracks live sessions for response pushes.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*session)}
}

func (r *sessionRegistry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *sessionRegistry) get(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *sessionRegistry) all() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
