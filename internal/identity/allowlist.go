package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qwer2003tw/unigate/internal/storage"
)

// FilePermissionKey is the per-entry permission gating document uploads.
const FilePermissionKey = "file_reader"

// Admitted reports whether a Telegram chat may use the gateway. Absent
// entries deny unless the service runs with AdmitAll; disabled entries
// always deny. A stored username, when present, must match the sender's
// case-insensitively.
func (s *Service) Admitted(ctx context.Context, chatID int64, username string) (bool, error) {
	entry, err := s.stores.Allowlist.Get(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.admitAll, nil
		}
		return false, fmt.Errorf("load allowlist entry: %w", err)
	}
	if !entry.Enabled {
		return false, nil
	}
	if entry.Username != "" && !strings.EqualFold(entry.Username, username) {
		return false, nil
	}
	return true, nil
}

// FilePermission reports whether a chat may upload files. Admins are
// implicitly allowed.
func (s *Service) FilePermission(ctx context.Context, chatID int64) (bool, error) {
	entry, err := s.stores.Allowlist.Get(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load allowlist entry: %w", err)
	}
	if entry.Role == storage.RoleAdmin {
		return true, nil
	}
	return entry.Permissions[FilePermissionKey], nil
}

// IsAdmin reports whether a chat holds the admin role on an enabled entry.
func (s *Service) IsAdmin(ctx context.Context, chatID int64) (bool, error) {
	entry, err := s.stores.Allowlist.Get(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load allowlist entry: %w", err)
	}
	return entry.Enabled && entry.Role == storage.RoleAdmin, nil
}

// AllowlistAdd creates or refreshes an entry for a chat.
func (s *Service) AllowlistAdd(ctx context.Context, chatID int64, username string, role storage.Role) (*storage.AllowlistEntry, error) {
	if role == "" {
		role = storage.RoleUser
	}
	now := s.now().UTC()
	entry := &storage.AllowlistEntry{
		ChatID:    chatID,
		Username:  strings.TrimPrefix(username, "@"),
		Enabled:   true,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, err := s.stores.Allowlist.Get(ctx, chatID); err == nil {
		entry.CreatedAt = existing.CreatedAt
		entry.Permissions = existing.Permissions
	}
	if err := s.stores.Allowlist.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("store allowlist entry: %w", err)
	}
	s.log.Info(ctx, "allowlist entry added", "chat_id", chatID, "role", string(role))
	return entry, nil
}

// AllowlistRemove deletes an entry.
func (s *Service) AllowlistRemove(ctx context.Context, chatID int64) error {
	if err := s.stores.Allowlist.Delete(ctx, chatID); err != nil {
		return err
	}
	s.log.Info(ctx, "allowlist entry removed", "chat_id", chatID)
	return nil
}

// AllowlistGet returns one entry.
func (s *Service) AllowlistGet(ctx context.Context, chatID int64) (*storage.AllowlistEntry, error) {
	return s.stores.Allowlist.Get(ctx, chatID)
}

// AllowlistList returns every entry ordered by chat id.
func (s *Service) AllowlistList(ctx context.Context) ([]*storage.AllowlistEntry, error) {
	return s.stores.Allowlist.List(ctx)
}

// AllowlistSetEnabled enables or disables an entry.
func (s *Service) AllowlistSetEnabled(ctx context.Context, chatID int64, enabled bool) error {
	return s.mutateEntry(ctx, chatID, func(entry *storage.AllowlistEntry) {
		entry.Enabled = enabled
	})
}

// AllowlistSetRole promotes or demotes an entry.
func (s *Service) AllowlistSetRole(ctx context.Context, chatID int64, role storage.Role) error {
	return s.mutateEntry(ctx, chatID, func(entry *storage.AllowlistEntry) {
		entry.Role = role
	})
}

// AllowlistSetPermission toggles a named permission on an entry.
func (s *Service) AllowlistSetPermission(ctx context.Context, chatID int64, permission string, granted bool) error {
	return s.mutateEntry(ctx, chatID, func(entry *storage.AllowlistEntry) {
		if entry.Permissions == nil {
			entry.Permissions = make(map[string]bool)
		}
		entry.Permissions[permission] = granted
	})
}

func (s *Service) mutateEntry(ctx context.Context, chatID int64, mutate func(*storage.AllowlistEntry)) error {
	entry, err := s.stores.Allowlist.Get(ctx, chatID)
	if err != nil {
		return err
	}
	mutate(entry)
	entry.UpdatedAt = s.now().UTC()
	return s.stores.Allowlist.Put(ctx, entry)
}

// AllowlistStats summarizes the allowlist for the admin surface.
// Negative chat ids are Telegram groups.
type AllowlistStats struct {
	Total    int `json:"total"`
	Enabled  int `json:"enabled"`
	Disabled int `json:"disabled"`
	Admins   int `json:"admins"`
	Users    int `json:"users"`
	Groups   int `json:"groups"`
	Private  int `json:"private"`
}

// Stats counts allowlist entries by state, role, and chat kind.
func (s *Service) Stats(ctx context.Context) (*AllowlistStats, error) {
	entries, err := s.stores.Allowlist.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &AllowlistStats{Total: len(entries)}
	for _, entry := range entries {
		if entry.Enabled {
			stats.Enabled++
		} else {
			stats.Disabled++
		}
		if entry.Role == storage.RoleAdmin {
			stats.Admins++
		} else {
			stats.Users++
		}
		if entry.ChatID < 0 {
			stats.Groups++
		} else {
			stats.Private++
		}
	}
	return stats, nil
}
