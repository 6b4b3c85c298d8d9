package commands

import (
	"context"

	"github.com/qwer2003tw/unigate/internal/observability"
)

// Router dispatches a message to the first registered handler that
// claims it. A handler error is logged and the search continues, so a
// broken handler cannot black-hole an update another handler could
// serve.
type Router struct {
	handlers []Handler
	log      *observability.Logger
}

// NewRouter creates an empty router.
func NewRouter(log *observability.Logger) *Router {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Router{log: log}
}

// Register appends a handler. Order matters.
func (r *Router) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Route finds and runs a handler for the request. It reports whether
// the update was consumed; unhandled text flows on to the event bus.
func (r *Router) Route(ctx context.Context, req *Request) bool {
	if req == nil || req.Text == "" {
		return false
	}
	for _, h := range r.handlers {
		if !h.CanHandle(req.Text) {
			continue
		}
		handled, err := h.Handle(ctx, req)
		if err != nil {
			r.log.Error(ctx, "command handler failed",
				"handler", h.Name(), "chat_id", req.ChatID, "error", err)
			continue
		}
		if handled {
			return true
		}
	}
	return false
}
