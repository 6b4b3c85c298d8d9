package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStores(t *testing.T) (StoreSet, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStores(db), mock
}

func unifiedUserRows(user *UnifiedUser) *sqlmock.Rows {
	var email sql.NullString
	if user.WebEmail != "" {
		email = sql.NullString{String: user.WebEmail, Valid: true}
	}
	var chatID sql.NullInt64
	if user.TelegramChatID != 0 {
		chatID = sql.NullInt64{Int64: user.TelegramChatID, Valid: true}
	}
	return sqlmock.NewRows([]string{"id", "web_email", "telegram_chat_id", "binding_status", "created_at", "updated_at"}).
		AddRow(user.ID, email, chatID, string(user.BindingStatus), user.CreatedAt, user.UpdatedAt)
}

func TestPostgresBindTelegram(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("success", func(t *testing.T) {
		stores, mock := newMockStores(t)
		mock.ExpectExec("UPDATE unified_users").
			WithArgs(int64(999), string(BindingComplete), now, "u1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := stores.Users.BindTelegram(ctx, "u1", 999, now); err != nil {
			t.Fatalf("BindTelegram: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
	})

	t.Run("already bound reports conflict", func(t *testing.T) {
		stores, mock := newMockStores(t)
		mock.ExpectExec("UPDATE unified_users").
			WithArgs(int64(999), string(BindingComplete), now, "u1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, web_email").
			WithArgs("u1").
			WillReturnRows(unifiedUserRows(&UnifiedUser{
				ID: "u1", WebEmail: "a@x.com", TelegramChatID: 555,
				BindingStatus: BindingComplete, CreatedAt: now, UpdatedAt: now,
			}))

		if err := stores.Users.BindTelegram(ctx, "u1", 999, now); !errors.Is(err, ErrConflict) {
			t.Errorf("BindTelegram = %v, want ErrConflict", err)
		}
	})

	t.Run("missing user reports not found", func(t *testing.T) {
		stores, mock := newMockStores(t)
		mock.ExpectExec("UPDATE unified_users").
			WithArgs(int64(999), string(BindingComplete), now, "u1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, web_email").
			WithArgs("u1").
			WillReturnError(sql.ErrNoRows)

		if err := stores.Users.BindTelegram(ctx, "u1", 999, now); !errors.Is(err, ErrNotFound) {
			t.Errorf("BindTelegram = %v, want ErrNotFound", err)
		}
	})

	t.Run("chat id unique violation", func(t *testing.T) {
		stores, mock := newMockStores(t)
		mock.ExpectExec("UPDATE unified_users").
			WithArgs(int64(999), string(BindingComplete), now, "u1").
			WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "unified_users_telegram_chat_id_key"`))

		if err := stores.Users.BindTelegram(ctx, "u1", 999, now); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("BindTelegram = %v, want ErrAlreadyExists", err)
		}
	})
}

func TestPostgresUnifiedUserCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO unified_users").
		WillReturnError(errors.New("pq: duplicate key value violates unique constraint"))

	user := &UnifiedUser{ID: "u1", WebEmail: "a@x.com", BindingStatus: BindingWebOnly, CreatedAt: now, UpdatedAt: now}
	if err := stores.Users.Create(ctx, user); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Create = %v, want ErrAlreadyExists", err)
	}
}

func TestPostgresMarkUsed(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("pending code flips to used", func(t *testing.T) {
		stores, mock := newMockStores(t)
		mock.ExpectExec("UPDATE binding_codes SET status").
			WithArgs(string(CodeUsed), "482013", string(CodePending)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := stores.Codes.MarkUsed(ctx, "482013"); err != nil {
			t.Fatalf("MarkUsed: %v", err)
		}
	})

	t.Run("already used reports conflict", func(t *testing.T) {
		stores, mock := newMockStores(t)
		mock.ExpectExec("UPDATE binding_codes SET status").
			WithArgs(string(CodeUsed), "482013", string(CodePending)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT code, web_email").
			WithArgs("482013").
			WillReturnRows(sqlmock.NewRows([]string{"code", "web_email", "status", "created_at", "expires_at", "purge_at"}).
				AddRow("482013", "a@x.com", string(CodeUsed), now, now.Add(5*time.Minute), now.Add(10*time.Minute)))

		if err := stores.Codes.MarkUsed(ctx, "482013"); !errors.Is(err, ErrConflict) {
			t.Errorf("MarkUsed = %v, want ErrConflict", err)
		}
	})

	t.Run("unknown code reports not found", func(t *testing.T) {
		stores, mock := newMockStores(t)
		mock.ExpectExec("UPDATE binding_codes SET status").
			WithArgs(string(CodeUsed), "000000", string(CodePending)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT code, web_email").
			WithArgs("000000").
			WillReturnError(sql.ErrNoRows)

		if err := stores.Codes.MarkUsed(ctx, "000000"); !errors.Is(err, ErrNotFound) {
			t.Errorf("MarkUsed = %v, want ErrNotFound", err)
		}
	})
}

func TestPostgresHistoryListPagination(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)
	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"unified_user_id", "timestamp_msgid", "role", "text", "attachments",
		"channel", "conversation_id", "created_at", "expires_at",
	})
	// The store asks for limit+1 rows to decide whether another page exists.
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		rows.AddRow("u1", at.Format("2006-01-02T15:04:05.000000000Z")+"#x", "user",
			"hello", []byte("[]"), "telegram", "c1", at, at.Add(time.Hour))
	}
	mock.ExpectQuery("FROM history_messages").
		WithArgs("u1", "c1", 3).
		WillReturnRows(rows)

	messages, nextKey, err := stores.History.List(ctx, "u1", HistoryQuery{ConversationID: "c1", Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("len = %d, want 2", len(messages))
	}
	if nextKey != messages[1].TimestampMsgID {
		t.Errorf("nextKey = %q, want the last returned sort key", nextKey)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresConversationList(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"unified_user_id", "conversation_id", "title", "created_at",
		"last_message_time", "message_count", "is_pinned", "is_deleted", "deleted_at",
	}).
		AddRow("u1", "c2", "second", base, base.Add(time.Hour), 4, false, false, nil).
		AddRow("u1", "c1", "first", base, base, 2, true, false, nil)
	mock.ExpectQuery("FROM conversations").
		WithArgs("u1").
		WillReturnRows(rows)

	convs, nextKey, err := stores.Conversations.ListByUser(ctx, "u1", ConversationQuery{})
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(convs) != 2 || nextKey != "" {
		t.Fatalf("len=%d next=%q, want 2 rows and no cursor", len(convs), nextKey)
	}
	if convs[0].ConversationID != "c2" || !convs[1].IsPinned {
		t.Errorf("rows did not round-trip: %+v", convs)
	}
}

func TestPostgresConnectionDeleteExpired(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)
	now := time.Now().UTC()

	mock.ExpectExec("DELETE FROM connections WHERE expires_at").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 7))

	removed, err := stores.Connections.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if removed != 7 {
		t.Errorf("removed = %d, want 7", removed)
	}
}
