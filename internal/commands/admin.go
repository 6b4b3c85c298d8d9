package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/qwer2003tw/unigate/internal/identity"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/storage"
)

// AdminHandler serves the /admin control surface: allowlist
// management, role changes, stats, and broadcast. Wrap it with a
// PermissionGate at PermissionAdmin before registering.
type AdminHandler struct {
	identity  *identity.Service
	responder Responder
	log       *observability.Logger
}

func NewAdminHandler(svc *identity.Service, responder Responder, log *observability.Logger) *AdminHandler {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &AdminHandler{identity: svc, responder: responder, log: log}
}

func (h *AdminHandler) Name() string { return "admin" }

func (h *AdminHandler) CanHandle(text string) bool { return matchesCommand(text, "/admin") }

func (h *AdminHandler) Handle(ctx context.Context, req *Request) (bool, error) {
	parts := splitWords(req.Text, 3)
	sub := "help"
	args := ""
	if len(parts) > 1 {
		sub = strings.ToLower(parts[1])
	}
	if len(parts) > 2 {
		args = parts[2]
	}

	h.log.Info(ctx, "admin command",
		"chat_id", req.ChatID, "username", req.Username, "subcommand", sub)

	var reply string
	var err error
	switch sub {
	case "add":
		reply, err = h.add(ctx, args)
	case "remove":
		reply, err = h.remove(ctx, req.ChatID, args)
	case "list":
		reply, err = h.list(ctx)
	case "info":
		reply, err = h.info(ctx, args)
	case "enable":
		reply, err = h.setEnabled(ctx, req.ChatID, args, true)
	case "disable":
		reply, err = h.setEnabled(ctx, req.ChatID, args, false)
	case "promote":
		reply, err = h.setRole(ctx, req.ChatID, args, storage.RoleAdmin)
	case "demote":
		reply, err = h.setRole(ctx, req.ChatID, args, storage.RoleUser)
	case "stats":
		reply, err = h.stats(ctx)
	case "broadcast":
		return h.broadcast(ctx, req.ChatID, args)
	default:
		reply = adminHelpText
	}
	if err != nil {
		return false, err
	}
	if err := h.responder.Send(ctx, req.ChatID, reply); err != nil {
		return false, fmt.Errorf("send admin reply: %w", err)
	}
	return true, nil
}

func (h *AdminHandler) add(ctx context.Context, args string) (string, error) {
	parts := splitWords(args, 2)
	if len(parts) == 0 {
		return adminError("Usage: /admin add <chat_id> [username]"), nil
	}
	targetID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return adminError("Invalid chat_id, must be a number"), nil
	}
	username := fmt.Sprintf("user_%d", absInt64(targetID))
	if len(parts) > 1 {
		username = parts[1]
	}

	entry, err := h.identity.AllowlistAdd(ctx, targetID, username, storage.RoleUser)
	if err != nil {
		return "", fmt.Errorf("allowlist add: %w", err)
	}
	return fmt.Sprintf("✅ Added to allowlist\n\n%s\nID: %d\nUsername: @%s\nStatus: enabled\nRole: %s",
		chatKind(targetID), targetID, entry.Username, entry.Role), nil
}

func (h *AdminHandler) remove(ctx context.Context, adminChatID int64, args string) (string, error) {
	targetID, ok := parseChatID(args)
	if !ok {
		return adminError("Usage: /admin remove <chat_id>"), nil
	}
	if targetID == adminChatID {
		return adminError("⚠️ You cannot remove yourself"), nil
	}
	entry, err := h.identity.AllowlistGet(ctx, targetID)
	if err != nil {
		return h.lookupFailure(targetID, err)
	}
	if err := h.identity.AllowlistRemove(ctx, targetID); err != nil {
		return "", fmt.Errorf("allowlist remove: %w", err)
	}
	return fmt.Sprintf("✅ Removed from allowlist\n\nID: %d\nUsername: @%s", targetID, entry.Username), nil
}

func (h *AdminHandler) list(ctx context.Context) (string, error) {
	entries, err := h.identity.AllowlistList(ctx)
	if err != nil {
		return "", fmt.Errorf("allowlist list: %w", err)
	}
	if len(entries) == 0 {
		return "📋 The allowlist is empty", nil
	}

	lines := []string{"📋 Allowlist", ""}
	for _, entry := range entries {
		status := "✅"
		if !entry.Enabled {
			status = "❌"
		}
		role := "👤"
		if entry.Role == storage.RoleAdmin {
			role = "👑"
		}
		lines = append(lines,
			fmt.Sprintf("%s %s %s @%s", kindIcon(entry.ChatID), status, role, entry.Username),
			fmt.Sprintf("   ID: %d | role: %s", entry.ChatID, entry.Role),
		)
	}
	lines = append(lines, "", fmt.Sprintf("Total: %d users/groups", len(entries)))
	return strings.Join(lines, "\n"), nil
}

func (h *AdminHandler) info(ctx context.Context, args string) (string, error) {
	targetID, ok := parseChatID(args)
	if !ok {
		return adminError("Usage: /admin info <chat_id>"), nil
	}
	entry, err := h.identity.AllowlistGet(ctx, targetID)
	if err != nil {
		return h.lookupFailure(targetID, err)
	}

	status := "✅ enabled"
	if !entry.Enabled {
		status = "❌ disabled"
	}
	role := "👤 user"
	if entry.Role == storage.RoleAdmin {
		role = "👑 admin"
	}
	lines := []string{
		"ℹ️ User details",
		"",
		"Kind: " + chatKind(targetID),
		fmt.Sprintf("ID: %d", targetID),
		"Username: @" + entry.Username,
		"Status: " + status,
		"Role: " + role,
		"Added: " + entry.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"),
	}
	return strings.Join(lines, "\n"), nil
}

func (h *AdminHandler) setEnabled(ctx context.Context, adminChatID int64, args string, enabled bool) (string, error) {
	verb := "enable"
	if !enabled {
		verb = "disable"
	}
	targetID, ok := parseChatID(args)
	if !ok {
		return adminError("Usage: /admin " + verb + " <chat_id>"), nil
	}
	if !enabled && targetID == adminChatID {
		return adminError("⚠️ You cannot disable yourself"), nil
	}
	if _, err := h.identity.AllowlistGet(ctx, targetID); err != nil {
		return h.lookupFailure(targetID, err)
	}
	if err := h.identity.AllowlistSetEnabled(ctx, targetID, enabled); err != nil {
		return "", fmt.Errorf("allowlist %s: %w", verb, err)
	}
	if enabled {
		return fmt.Sprintf("✅ User enabled\n\nID: %d", targetID), nil
	}
	return fmt.Sprintf("✅ User disabled\n\nID: %d", targetID), nil
}

func (h *AdminHandler) setRole(ctx context.Context, adminChatID int64, args string, role storage.Role) (string, error) {
	verb := "promote"
	if role == storage.RoleUser {
		verb = "demote"
	}
	targetID, ok := parseChatID(args)
	if !ok {
		return adminError("Usage: /admin " + verb + " <chat_id>"), nil
	}
	if role == storage.RoleUser && targetID == adminChatID {
		return adminError("⚠️ You cannot demote yourself"), nil
	}
	entry, err := h.identity.AllowlistGet(ctx, targetID)
	if err != nil {
		return h.lookupFailure(targetID, err)
	}
	if entry.Role == role {
		if role == storage.RoleAdmin {
			return adminError("This user is already an admin"), nil
		}
		return adminError("This user is already a regular user"), nil
	}
	if err := h.identity.AllowlistSetRole(ctx, targetID, role); err != nil {
		return "", fmt.Errorf("allowlist %s: %w", verb, err)
	}
	if role == storage.RoleAdmin {
		return fmt.Sprintf("👑 Promoted to admin\n\nID: %d\nUsername: @%s", targetID, entry.Username), nil
	}
	return fmt.Sprintf("👤 Demoted to regular user\n\nID: %d\nUsername: @%s", targetID, entry.Username), nil
}

func (h *AdminHandler) stats(ctx context.Context) (string, error) {
	stats, err := h.identity.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("allowlist stats: %w", err)
	}
	lines := []string{
		"📊 System statistics",
		"",
		fmt.Sprintf("Total users: %d", stats.Total),
		fmt.Sprintf("  ├─ 👤 private: %d", stats.Private),
		fmt.Sprintf("  └─ 👥 groups: %d", stats.Groups),
		"",
		"Status:",
		fmt.Sprintf("  ├─ ✅ enabled: %d", stats.Enabled),
		fmt.Sprintf("  └─ ❌ disabled: %d", stats.Disabled),
		"",
		"Roles:",
		fmt.Sprintf("  ├─ 👑 admins: %d", stats.Admins),
		fmt.Sprintf("  └─ 👤 users: %d", stats.Users),
	}
	return strings.Join(lines, "\n"), nil
}

func (h *AdminHandler) broadcast(ctx context.Context, adminChatID int64, args string) (bool, error) {
	text := strings.TrimSpace(args)
	if text == "" {
		return h.reply(ctx, adminChatID, adminError("Usage: /admin broadcast <message>"))
	}
	entries, err := h.identity.AllowlistList(ctx)
	if err != nil {
		return false, fmt.Errorf("allowlist list: %w", err)
	}

	var recipients []*storage.AllowlistEntry
	for _, entry := range entries {
		if entry.Enabled && entry.ChatID != adminChatID {
			recipients = append(recipients, entry)
		}
	}
	if len(recipients) == 0 {
		return h.reply(ctx, adminChatID, adminError("No enabled users to broadcast to"))
	}

	message := "📢 System broadcast\n\n" + text
	success, failed := 0, 0
	for _, entry := range recipients {
		if err := h.responder.Send(ctx, entry.ChatID, message); err != nil {
			h.log.Warn(ctx, "broadcast delivery failed", "chat_id", entry.ChatID, "error", err)
			failed++
			continue
		}
		success++
	}
	h.log.Info(ctx, "broadcast finished", "success", success, "failed", failed)

	return h.reply(ctx, adminChatID, fmt.Sprintf(
		"✅ Broadcast complete\n\nSuccess: %d\nFailed: %d\nTotal: %d", success, failed, len(recipients)))
}

func (h *AdminHandler) reply(ctx context.Context, chatID int64, text string) (bool, error) {
	if err := h.responder.Send(ctx, chatID, text); err != nil {
		return false, fmt.Errorf("send admin reply: %w", err)
	}
	return true, nil
}

func (h *AdminHandler) lookupFailure(targetID int64, err error) (string, error) {
	if storageNotFound(err) {
		return adminError(fmt.Sprintf("User %d is not on the allowlist", targetID)), nil
	}
	return "", fmt.Errorf("allowlist get: %w", err)
}

func storageNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func parseChatID(args string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	return id, err == nil
}

func chatKind(chatID int64) string {
	if chatID < 0 {
		return "👥 group"
	}
	return "👤 private"
}

func kindIcon(chatID int64) string {
	if chatID < 0 {
		return "👥"
	}
	return "👤"
}

func adminError(text string) string {
	return "❌ " + text
}

const adminHelpText = `🔧 Admin commands

User management:
/admin add <chat_id> [username]
/admin remove <chat_id>
/admin list
/admin info <chat_id>

Status:
/admin enable <chat_id>
/admin disable <chat_id>

Roles:
/admin promote <chat_id>
/admin demote <chat_id>

System:
/admin stats
/admin broadcast <message>

Notes:
• positive chat_id: private chat 👤
• negative chat_id: group 👥
• every subcommand requires admin role 👑`
