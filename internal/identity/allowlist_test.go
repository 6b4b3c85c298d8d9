package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/qwer2003tw/unigate/internal/storage"
)

func TestAdmitted(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.AllowlistAdd(ctx, 100, "alice_tg", storage.RoleUser); err != nil {
		t.Fatalf("AllowlistAdd: %v", err)
	}

	tests := []struct {
		name     string
		chatID   int64
		username string
		want     bool
	}{
		{"listed and matching username", 100, "alice_tg", true},
		{"username match is case-insensitive", 100, "ALICE_TG", true},
		{"username mismatch", 100, "mallory", false},
		{"unknown chat", 999, "alice_tg", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Admitted(ctx, tt.chatID, tt.username)
			if err != nil {
				t.Fatalf("Admitted: %v", err)
			}
			if got != tt.want {
				t.Errorf("Admitted = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("disabled entry denies", func(t *testing.T) {
		if err := svc.AllowlistSetEnabled(ctx, 100, false); err != nil {
			t.Fatalf("AllowlistSetEnabled: %v", err)
		}
		if got, _ := svc.Admitted(ctx, 100, "alice_tg"); got {
			t.Error("disabled entry admitted")
		}
	})

	t.Run("entry without username admits any sender", func(t *testing.T) {
		if _, err := svc.AllowlistAdd(ctx, 200, "", storage.RoleUser); err != nil {
			t.Fatalf("AllowlistAdd: %v", err)
		}
		if got, _ := svc.Admitted(ctx, 200, "whoever"); !got {
			t.Error("entry without stored username should admit")
		}
	})
}

func TestFilePermission(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.AllowlistAdd(ctx, 100, "u", storage.RoleUser); err != nil {
		t.Fatalf("AllowlistAdd: %v", err)
	}
	if _, err := svc.AllowlistAdd(ctx, 200, "a", storage.RoleAdmin); err != nil {
		t.Fatalf("AllowlistAdd: %v", err)
	}

	if got, _ := svc.FilePermission(ctx, 100); got {
		t.Error("plain user has file permission without a grant")
	}
	if got, _ := svc.FilePermission(ctx, 200); !got {
		t.Error("admin should implicitly have file permission")
	}

	if err := svc.AllowlistSetPermission(ctx, 100, FilePermissionKey, true); err != nil {
		t.Fatalf("AllowlistSetPermission: %v", err)
	}
	if got, _ := svc.FilePermission(ctx, 100); !got {
		t.Error("granted user lacks file permission")
	}
}

func TestAllowlistRoleChanges(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.AllowlistAdd(ctx, 100, "u", storage.RoleUser); err != nil {
		t.Fatalf("AllowlistAdd: %v", err)
	}
	if got, _ := svc.IsAdmin(ctx, 100); got {
		t.Error("fresh user entry reported as admin")
	}

	if err := svc.AllowlistSetRole(ctx, 100, storage.RoleAdmin); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if got, _ := svc.IsAdmin(ctx, 100); !got {
		t.Error("promoted entry not admin")
	}

	if err := svc.AllowlistSetRole(ctx, 100, storage.RoleUser); err != nil {
		t.Fatalf("demote: %v", err)
	}
	if got, _ := svc.IsAdmin(ctx, 100); got {
		t.Error("demoted entry still admin")
	}

	t.Run("unknown chat errors", func(t *testing.T) {
		err := svc.AllowlistSetRole(ctx, 999, storage.RoleAdmin)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("SetRole unknown = %v, want ErrNotFound", err)
		}
	})
}

func TestAllowlistStats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.AllowlistAdd(ctx, 100, "a", storage.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AllowlistAdd(ctx, 200, "b", storage.RoleUser); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AllowlistAdd(ctx, -300, "", storage.RoleUser); err != nil {
		t.Fatal(err)
	}
	if err := svc.AllowlistSetEnabled(ctx, 200, false); err != nil {
		t.Fatal(err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := AllowlistStats{Total: 3, Enabled: 2, Disabled: 1, Admins: 1, Users: 2, Groups: 1, Private: 2}
	if *stats != want {
		t.Errorf("Stats = %+v, want %+v", *stats, want)
	}
}

func TestCreateWebUser(t *testing.T) {
	ctx := context.Background()
	svc, stores := newTestService(t)

	temp, err := svc.CreateWebUser(ctx, "new@example.com", storage.RoleUser)
	if err != nil {
		t.Fatalf("CreateWebUser: %v", err)
	}
	if len(temp) != 12 {
		t.Errorf("temporary password length = %d, want 12", len(temp))
	}

	user, err := stores.WebUsers.Get(ctx, "new@example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !user.RequirePasswordChange || !user.Enabled {
		t.Errorf("user flags: %+v", user)
	}

	// The temporary password must actually work.
	if _, err := svc.Login(ctx, "new@example.com", temp); err != nil {
		t.Errorf("login with temporary password: %v", err)
	}

	t.Run("duplicate email", func(t *testing.T) {
		if _, err := svc.CreateWebUser(ctx, "new@example.com", storage.RoleUser); !errors.Is(err, storage.ErrAlreadyExists) {
			t.Errorf("CreateWebUser duplicate = %v, want ErrAlreadyExists", err)
		}
	})
}

func TestResetWebUserPassword(t *testing.T) {
	ctx := context.Background()
	svc, stores := newTestService(t)
	seedWebUser(t, svc, stores, "alice@example.com", "Sup3rSecret", true)

	temp, err := svc.ResetWebUserPassword(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("ResetWebUserPassword: %v", err)
	}
	if _, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret"); err == nil {
		t.Error("old password still accepted after reset")
	}
	if _, err := svc.Login(ctx, "alice@example.com", temp); err != nil {
		t.Errorf("login with reset password: %v", err)
	}
}
