package commands

import (
	"context"

	"github.com/qwer2003tw/unigate/internal/identity"
	"github.com/qwer2003tw/unigate/internal/observability"
)

// Permission is the access level a gated command requires.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionAllowlist
	PermissionAdmin
)

func (p Permission) String() string {
	switch p {
	case PermissionAdmin:
		return "ADMIN"
	case PermissionAllowlist:
		return "ALLOWLIST"
	default:
		return "NONE"
	}
}

const (
	deniedAdminMessage     = "❌ Permission denied\n\nThis command requires admin privileges."
	deniedAllowlistMessage = "❌ Permission denied\n\nYou are not authorized to use this bot."
)

// PermissionGate wraps a handler with an access check. On denial it
// sends the in-channel denial message and reports the update as not
// handled, so the message continues through normal routing.
type PermissionGate struct {
	inner     Handler
	level     Permission
	identity  *identity.Service
	responder Responder
	log       *observability.Logger
}

// RequirePermission gates a handler at the given level. Admins satisfy
// every lower level.
func RequirePermission(inner Handler, level Permission, svc *identity.Service, responder Responder, log *observability.Logger) *PermissionGate {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &PermissionGate{inner: inner, level: level, identity: svc, responder: responder, log: log}
}

func (g *PermissionGate) Name() string { return g.inner.Name() }

func (g *PermissionGate) CanHandle(text string) bool { return g.inner.CanHandle(text) }

func (g *PermissionGate) Handle(ctx context.Context, req *Request) (bool, error) {
	allowed, err := g.allowed(ctx, req)
	if err != nil {
		return false, err
	}
	if !allowed {
		g.log.Warn(ctx, "command permission denied",
			"handler", g.inner.Name(), "chat_id", req.ChatID, "required", g.level.String())
		denial := deniedAllowlistMessage
		if g.level == PermissionAdmin {
			denial = deniedAdminMessage
		}
		if err := g.responder.Send(ctx, req.ChatID, denial); err != nil {
			g.log.Error(ctx, "denial message send failed", "chat_id", req.ChatID, "error", err)
		}
		return false, nil
	}
	return g.inner.Handle(ctx, req)
}

func (g *PermissionGate) allowed(ctx context.Context, req *Request) (bool, error) {
	switch g.level {
	case PermissionNone:
		return true, nil
	case PermissionAdmin:
		return g.identity.IsAdmin(ctx, req.ChatID)
	default:
		admitted, err := g.identity.Admitted(ctx, req.ChatID, req.Username)
		if err != nil {
			return false, err
		}
		if admitted {
			return true, nil
		}
		return g.identity.IsAdmin(ctx, req.ChatID)
	}
}
