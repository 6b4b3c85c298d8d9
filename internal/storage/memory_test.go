package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/qwer2003tw/unigate/pkg/envelope"
)

func TestMemoryUnifiedUserBindTelegram(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryUnifiedUserStore()
	now := time.Now().UTC()

	user := &UnifiedUser{ID: "u1", WebEmail: "alice@example.com", BindingStatus: BindingWebOnly, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, user); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.BindTelegram(ctx, "u1", 999, now); err != nil {
		t.Fatalf("BindTelegram: %v", err)
	}

	got, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TelegramChatID != 999 || got.BindingStatus != BindingComplete {
		t.Errorf("after bind: chat=%d status=%s, want 999 complete", got.TelegramChatID, got.BindingStatus)
	}

	t.Run("second bind conflicts", func(t *testing.T) {
		if err := store.BindTelegram(ctx, "u1", 1000, now); !errors.Is(err, ErrConflict) {
			t.Errorf("BindTelegram on bound user = %v, want ErrConflict", err)
		}
	})

	t.Run("chat id taken by another user", func(t *testing.T) {
		other := &UnifiedUser{ID: "u2", WebEmail: "bob@example.com", BindingStatus: BindingWebOnly, CreatedAt: now, UpdatedAt: now}
		if err := store.Create(ctx, other); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := store.BindTelegram(ctx, "u2", 999, now); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("BindTelegram with taken chat id = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("lookup by chat id", func(t *testing.T) {
		found, err := store.GetByChatID(ctx, 999)
		if err != nil {
			t.Fatalf("GetByChatID: %v", err)
		}
		if found.ID != "u1" {
			t.Errorf("GetByChatID = %s, want u1", found.ID)
		}
	})

	t.Run("missing user", func(t *testing.T) {
		if err := store.BindTelegram(ctx, "nope", 1, now); !errors.Is(err, ErrNotFound) {
			t.Errorf("BindTelegram missing user = %v, want ErrNotFound", err)
		}
	})
}

func TestMemoryBindingCodeRedeemOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBindingCodeStore()
	now := time.Now().UTC()

	code := &BindingCode{
		Code:      "482013",
		WebEmail:  "alice@example.com",
		Status:    CodePending,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
		PurgeAt:   now.Add(10 * time.Minute),
	}
	if err := store.Put(ctx, code); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := store.MarkUsed(ctx, "482013"); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	if err := store.MarkUsed(ctx, "482013"); !errors.Is(err, ErrConflict) {
		t.Errorf("second MarkUsed = %v, want ErrConflict", err)
	}

	got, err := store.Get(ctx, "482013")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != CodeUsed {
		t.Errorf("status = %s, want used", got.Status)
	}
}

func TestMemoryBindingCodePendingLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBindingCodeStore()
	now := time.Now().UTC()

	expired := &BindingCode{Code: "111111", WebEmail: "a@x.com", Status: CodePending,
		CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(-5 * time.Minute), PurgeAt: now.Add(-time.Minute)}
	live := &BindingCode{Code: "222222", WebEmail: "a@x.com", Status: CodePending,
		CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute), PurgeAt: now.Add(10 * time.Minute)}
	for _, c := range []*BindingCode{expired, live} {
		if err := store.Put(ctx, c); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := store.GetPendingByEmail(ctx, "a@x.com", now)
	if err != nil {
		t.Fatalf("GetPendingByEmail: %v", err)
	}
	if got.Code != "222222" {
		t.Errorf("pending code = %s, want the live one", got.Code)
	}

	removed, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("DeleteExpired removed %d, want 1", removed)
	}
}

func TestMemoryConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryConnectionStore()
	now := time.Now().UTC()

	conn := &Connection{
		ConnectionID:  "conn-1",
		UnifiedUserID: "u1",
		Email:         "alice@example.com",
		ConnectedAt:   now,
		LastActivity:  now,
		ExpiresAt:     now.Add(2 * time.Hour),
	}
	if err := store.Put(ctx, conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	later := now.Add(time.Hour)
	if err := store.Touch(ctx, "conn-1", later, later.Add(2*time.Hour)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, err := store.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Errorf("last activity = %v, want %v", got.LastActivity, later)
	}

	removed, err := store.DeleteExpired(ctx, later.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(ctx, "conn-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry sweep = %v, want ErrNotFound", err)
	}
}

func TestMemoryHistoryOrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHistoryStore()
	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	// Insert out of order; the store keeps the partition sorted.
	for _, offset := range []int{3, 1, 0, 2, 4} {
		at := base.Add(time.Duration(offset) * time.Minute)
		msg := &HistoryMessage{
			UnifiedUserID:  "u1",
			TimestampMsgID: fmt.Sprintf("%s#%02d", at.Format("2006-01-02T15:04:05.000000000Z"), offset),
			Role:           envelope.RoleUser,
			Text:           fmt.Sprintf("m%d", offset),
			Channel:        "telegram",
			CreatedAt:      at,
			ExpiresAt:      at.Add(90 * 24 * time.Hour),
		}
		if err := store.Put(ctx, msg); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	page1, next, err := store.List(ctx, "u1", HistoryQuery{Limit: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page1) != 3 || next == "" {
		t.Fatalf("page1 len=%d next=%q, want 3 and a cursor", len(page1), next)
	}
	if page1[0].Text != "m0" || page1[2].Text != "m2" {
		t.Errorf("page1 order = %s..%s, want m0..m2", page1[0].Text, page1[2].Text)
	}

	page2, next2, err := store.List(ctx, "u1", HistoryQuery{Limit: 3, LastKey: next})
	if err != nil {
		t.Fatalf("List page2: %v", err)
	}
	if len(page2) != 2 || next2 != "" {
		t.Fatalf("page2 len=%d next=%q, want 2 and no cursor", len(page2), next2)
	}
	if page2[0].Text != "m3" || page2[1].Text != "m4" {
		t.Errorf("page2 order = %s,%s, want m3,m4", page2[0].Text, page2[1].Text)
	}

	t.Run("descending", func(t *testing.T) {
		desc, _, err := store.List(ctx, "u1", HistoryQuery{Limit: 2, Descending: true})
		if err != nil {
			t.Fatalf("List desc: %v", err)
		}
		if desc[0].Text != "m4" || desc[1].Text != "m3" {
			t.Errorf("desc order = %s,%s, want m4,m3", desc[0].Text, desc[1].Text)
		}
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := store.Stats(ctx, "u1", "")
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.TotalMessages != 5 {
			t.Errorf("total = %d, want 5", stats.TotalMessages)
		}
		if !stats.Oldest.Equal(base) {
			t.Errorf("oldest = %v, want %v", stats.Oldest, base)
		}
	})
}

func TestMemoryConversationListPartition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryConversationStore()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		conv := &Conversation{
			UnifiedUserID:   "u1",
			ConversationID:  fmt.Sprintf("c%d", i),
			Title:           fmt.Sprintf("conversation %d", i),
			CreatedAt:       base.Add(time.Duration(i) * time.Hour),
			LastMessageTime: base.Add(time.Duration(i) * time.Hour),
			MessageCount:    2,
		}
		if err := store.Create(ctx, conv); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	// Soft-delete c1.
	conv, _ := store.Get(ctx, "u1", "c1")
	now := base.Add(24 * time.Hour)
	conv.IsDeleted = true
	conv.DeletedAt = &now
	if err := store.Update(ctx, conv); err != nil {
		t.Fatalf("Update: %v", err)
	}

	convs, _, err := store.ListByUser(ctx, "u1", ConversationQuery{})
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(convs) != 3 {
		t.Fatalf("len = %d, want 3 (deleted hidden)", len(convs))
	}
	if convs[0].ConversationID != "c3" {
		t.Errorf("first = %s, want most recent c3", convs[0].ConversationID)
	}

	withDeleted, _, err := store.ListByUser(ctx, "u1", ConversationQuery{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("ListByUser deleted: %v", err)
	}
	if len(withDeleted) != 4 {
		t.Errorf("len with deleted = %d, want 4", len(withDeleted))
	}

	latest, err := store.Latest(ctx, "u1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ConversationID != "c3" {
		t.Errorf("latest = %s, want c3", latest.ConversationID)
	}
}

func TestTimestampMsgIDSortsChronologically(t *testing.T) {
	early := time.Date(2026, 1, 2, 9, 59, 59, 999999999, time.UTC)
	late := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	a := early.Format("2006-01-02T15:04:05.000000000Z") + "#zzz"
	b := late.Format("2006-01-02T15:04:05.000000000Z") + "#aaa"
	if !(a < b) {
		t.Errorf("fixed-width timestamp prefix must dominate the uuid suffix: %q !< %q", a, b)
	}
}
