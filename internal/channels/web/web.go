// Package web serves the browser WebSocket ingress. Clients connect
// with a bearer token in the query string, exchange JSON frames, and
// receive processor responses pushed over the same connection.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/qwer2003tw/unigate/internal/identity"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/storage"
	"github.com/qwer2003tw/unigate/pkg/envelope"
)

const (
	defaultConnectionTTL = 2 * time.Hour
	defaultReadLimit     = 64 * 1024
	defaultPingInterval  = 30 * time.Second

	writeWait = 10 * time.Second
)

// ErrConnectionGone reports a push to a connection that is no longer
// live. The response router treats it as a stale record, not a failure.
var ErrConnectionGone = errors.New("web: connection gone")

// publisher is the slice of the bus the ingress needs.
type publisher interface {
	Publish(ctx context.Context, event envelope.Event) error
}

// Handler upgrades /ws requests and runs one session per connection.
type Handler struct {
	identity    *identity.Service
	bus         publisher
	connections storage.ConnectionStore
	sessions    *sessionRegistry
	upgrader    websocket.Upgrader

	ttl          time.Duration
	readLimit    int64
	pingInterval time.Duration

	log     *observability.Logger
	metrics *observability.Metrics
}

// Options configures the WebSocket handler.
type Options struct {
	Identity    *identity.Service
	Bus         publisher
	Connections storage.ConnectionStore

	// ConnectionTTL is the registry backstop for connections whose
	// disconnect was never observed.
	ConnectionTTL  time.Duration
	ReadLimit      int64
	PingInterval   time.Duration
	AllowedOrigins []string

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

func NewHandler(opts Options) *Handler {
	if opts.ConnectionTTL <= 0 {
		opts.ConnectionTTL = defaultConnectionTTL
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	h := &Handler{
		identity:     opts.Identity,
		bus:          opts.Bus,
		connections:  opts.Connections,
		sessions:     newSessionRegistry(),
		ttl:          opts.ConnectionTTL,
		readLimit:    opts.ReadLimit,
		pingInterval: opts.PingInterval,
		log:          opts.Logger,
		metrics:      opts.Metrics,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

// originChecker allows any origin when the list is empty; browsers are
// otherwise held to the configured set.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// ServeHTTP authenticates the connect request and, on success, upgrades
// and runs the session until the client disconnects.
//
// The token travels in the query string because browsers cannot set
// headers on a WebSocket handshake.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.identity.VerifyToken(token)
	if err != nil {
		h.log.Warn(ctx, "websocket token rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	profile, err := h.identity.Profile(ctx, claims.Email)
	if err != nil || !profile.Enabled {
		h.log.Warn(ctx, "websocket connect for disabled account", "email", claims.Email)
		http.Error(w, "account disabled", http.StatusUnauthorized)
		return
	}
	user, err := h.identity.ResolveWebUser(ctx, claims.Email)
	if err != nil {
		h.log.Error(ctx, "resolve unified user failed", "email", claims.Email, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.log.Warn(ctx, "websocket upgrade failed", "error", err)
		return
	}

	now := time.Now().UTC()
	record := &storage.Connection{
		ConnectionID:  uuid.NewString(),
		UnifiedUserID: user.ID,
		Email:         claims.Email,
		ConnectedAt:   now,
		LastActivity:  now,
		ExpiresAt:     now.Add(h.ttl),
	}
	if err := h.connections.Put(context.WithoutCancel(ctx), record); err != nil {
		h.log.Error(ctx, "register connection failed", "error", err)
		conn.Close()
		return
	}

	sess := newSession(record.ConnectionID, conn, h)
	h.sessions.add(sess)
	h.metrics.ConnectionOpened()
	h.log.Info(ctx, "websocket connected",
		"connection_id", record.ConnectionID, "email", claims.Email, "unified_user_id", user.ID)

	go sess.writePump()
	sess.readPump()

	h.teardown(sess)
}

// teardown deregisters a finished session; storage errors are logged
// and swallowed so the disconnect path never fails.
func (h *Handler) teardown(sess *session) {
	ctx := context.Background()
	h.sessions.remove(sess.id)
	if err := h.connections.Delete(ctx, sess.id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.log.Warn(ctx, "deregister connection failed", "connection_id", sess.id, "error", err)
	}
	h.metrics.ConnectionClosed()
	h.log.Info(ctx, "websocket disconnected", "connection_id", sess.id)
}

// inboundFrame is what the browser sends.
type inboundFrame struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// handleInbound processes one client frame. Failures are reported
// in-band; the connection stays open.
func (h *Handler) handleInbound(ctx context.Context, sess *session, frame inboundFrame) {
	// A missing action means sendMessage; anything else is unknown.
	if frame.Action != "" && frame.Action != "sendMessage" {
		sess.sendError("unknown action: " + frame.Action)
		return
	}
	if frame.Message == "" {
		sess.sendError("missing message")
		return
	}

	record, err := h.connections.Get(ctx, sess.id)
	if err != nil {
		// Disconnect race: the record is gone but the socket still reads.
		if errors.Is(err, storage.ErrNotFound) {
			sess.sendError("connection not registered")
		} else {
			h.log.Error(ctx, "connection lookup failed", "connection_id", sess.id, "error", err)
			sess.sendError("temporarily unavailable")
		}
		return
	}

	msg := envelope.New(
		envelope.Channel{Type: envelope.ChannelWeb, ChannelID: sess.id},
		envelope.User{ID: record.Email, UnifiedUserID: record.UnifiedUserID},
		envelope.Content{Text: frame.Message},
	)
	event, err := envelope.NewEvent(envelope.SourceAdapter, envelope.EventMessageReceived, msg)
	if err != nil {
		h.log.Error(ctx, "event build failed", "connection_id", sess.id, "error", err)
		sess.sendError("message could not be queued")
		return
	}
	if err := h.bus.Publish(ctx, event); err != nil {
		h.metrics.RecordError("web_ingress", "publish_failed")
		h.log.Error(ctx, "bus publish failed", "connection_id", sess.id, "error", err)
		sess.sendError("message could not be queued")
		return
	}

	now := time.Now().UTC()
	if err := h.connections.Touch(ctx, sess.id, now, now.Add(h.ttl)); err != nil {
		h.log.Warn(ctx, "touch connection failed", "connection_id", sess.id, "error", err)
	}
	h.metrics.MessageReceived("web")
}

// Push delivers a processor response to a live connection. A missing
// session yields ErrConnectionGone so the caller can drop the stale
// record.
func (h *Handler) Push(ctx context.Context, connectionID, content string) error {
	sess, ok := h.sessions.get(connectionID)
	if !ok {
		return ErrConnectionGone
	}
	if err := sess.sendMessage(content); err != nil {
		return err
	}
	h.metrics.MessageSent("web")
	return nil
}

// Close terminates every live session, for shutdown.
func (h *Handler) Close() {
	for _, sess := range h.sessions.all() {
		sess.close()
	}
}
