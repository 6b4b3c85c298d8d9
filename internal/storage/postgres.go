package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/qwer2003tw/unigate/pkg/envelope"
)

// NewPostgresStoresFromDSN creates Postgres-backed stores using a DSN.
func NewPostgresStoresFromDSN(dsn string, config *PostgresConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}

	return NewPostgresStores(db), nil
}

// NewPostgresStores wraps an existing database handle. The handle is
// closed by StoreSet.Close.
func NewPostgresStores(db *sql.DB) StoreSet {
	return StoreSet{
		Users:         &postgresUnifiedUserStore{db: db},
		WebUsers:      &postgresWebUserStore{db: db},
		Codes:         &postgresBindingCodeStore{db: db},
		Allowlist:     &postgresAllowlistStore{db: db},
		Connections:   &postgresConnectionStore{db: db},
		History:       &postgresHistoryStore{db: db},
		Conversations: &postgresConversationStore{db: db},
		closer:        db.Close,
	}
}

func isDuplicate(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "23505"))
}

type postgresUnifiedUserStore struct {
	db *sql.DB
}

func (s *postgresUnifiedUserStore) Create(ctx context.Context, user *UnifiedUser) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("unified user id is required")
	}
	var email sql.NullString
	if user.WebEmail != "" {
		email = sql.NullString{String: user.WebEmail, Valid: true}
	}
	var chatID sql.NullInt64
	if user.TelegramChatID != 0 {
		chatID = sql.NullInt64{Int64: user.TelegramChatID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unified_users (id, web_email, telegram_chat_id, binding_status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		user.ID,
		email,
		chatID,
		string(user.BindingStatus),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create unified user: %w", err)
	}
	return nil
}

func scanUnifiedUser(row interface{ Scan(...any) error }) (*UnifiedUser, error) {
	var user UnifiedUser
	var email sql.NullString
	var chatID sql.NullInt64
	var status string
	if err := row.Scan(
		&user.ID,
		&email,
		&chatID,
		&status,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan unified user: %w", err)
	}
	user.WebEmail = email.String
	user.TelegramChatID = chatID.Int64
	user.BindingStatus = BindingStatus(status)
	return &user, nil
}

const unifiedUserColumns = `id, web_email, telegram_chat_id, binding_status, created_at, updated_at`

func (s *postgresUnifiedUserStore) Get(ctx context.Context, id string) (*UnifiedUser, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unifiedUserColumns+` FROM unified_users WHERE id = $1`, id)
	return scanUnifiedUser(row)
}

func (s *postgresUnifiedUserStore) GetByEmail(ctx context.Context, email string) (*UnifiedUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unifiedUserColumns+` FROM unified_users WHERE lower(web_email) = lower($1)`, email)
	return scanUnifiedUser(row)
}

func (s *postgresUnifiedUserStore) GetByChatID(ctx context.Context, chatID int64) (*UnifiedUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unifiedUserColumns+` FROM unified_users WHERE telegram_chat_id = $1`, chatID)
	return scanUnifiedUser(row)
}

func (s *postgresUnifiedUserStore) BindTelegram(ctx context.Context, id string, chatID int64, now time.Time) error {
	if chatID == 0 {
		return fmt.Errorf("chat id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE unified_users
		 SET telegram_chat_id = $1, binding_status = $2, updated_at = $3
		 WHERE id = $4 AND telegram_chat_id IS NULL`,
		chatID,
		string(BindingComplete),
		now,
		id,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("bind telegram: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bind telegram rows affected: %w", err)
	}
	if rows == 0 {
		// Either the user is absent or the chat id was already set.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (s *postgresUnifiedUserStore) List(ctx context.Context, limit, offset int) ([]*UnifiedUser, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM unified_users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count unified users: %w", err)
	}

	query := `SELECT ` + unifiedUserColumns + ` FROM unified_users ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list unified users: %w", err)
	}
	defer rows.Close()

	users := []*UnifiedUser{}
	for rows.Next() {
		user, err := scanUnifiedUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list unified users: %w", err)
	}
	return users, total, nil
}

type postgresWebUserStore struct {
	db *sql.DB
}

const webUserColumns = `email, password_hash, enabled, role, require_password_change, created_at, last_login`

func (s *postgresWebUserStore) Create(ctx context.Context, user *WebUser) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("email is required")
	}
	var lastLogin sql.NullTime
	if !user.LastLogin.IsZero() {
		lastLogin = sql.NullTime{Time: user.LastLogin, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO web_users (email, password_hash, enabled, role, require_password_change, created_at, last_login)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		user.Email,
		user.PasswordHash,
		user.Enabled,
		string(user.Role),
		user.RequirePasswordChange,
		user.CreatedAt,
		lastLogin,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create web user: %w", err)
	}
	return nil
}

func scanWebUser(row interface{ Scan(...any) error }) (*WebUser, error) {
	var user WebUser
	var role string
	var lastLogin sql.NullTime
	if err := row.Scan(
		&user.Email,
		&user.PasswordHash,
		&user.Enabled,
		&role,
		&user.RequirePasswordChange,
		&user.CreatedAt,
		&lastLogin,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan web user: %w", err)
	}
	user.Role = Role(role)
	user.LastLogin = lastLogin.Time
	return &user, nil
}

func (s *postgresWebUserStore) Get(ctx context.Context, email string) (*WebUser, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webUserColumns+` FROM web_users WHERE lower(email) = lower($1)`, email)
	return scanWebUser(row)
}

func (s *postgresWebUserStore) Update(ctx context.Context, user *WebUser) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("email is required")
	}
	var lastLogin sql.NullTime
	if !user.LastLogin.IsZero() {
		lastLogin = sql.NullTime{Time: user.LastLogin, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE web_users
		 SET password_hash = $1, enabled = $2, role = $3, require_password_change = $4, last_login = $5
		 WHERE lower(email) = lower($6)`,
		user.PasswordHash,
		user.Enabled,
		string(user.Role),
		user.RequirePasswordChange,
		lastLogin,
		user.Email,
	)
	if err != nil {
		return fmt.Errorf("update web user: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update web user rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresWebUserStore) List(ctx context.Context, limit, offset int) ([]*WebUser, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM web_users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count web users: %w", err)
	}

	query := `SELECT ` + webUserColumns + ` FROM web_users ORDER BY email`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list web users: %w", err)
	}
	defer rows.Close()

	users := []*WebUser{}
	for rows.Next() {
		user, err := scanWebUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list web users: %w", err)
	}
	return users, total, nil
}

type postgresBindingCodeStore struct {
	db *sql.DB
}

const bindingCodeColumns = `code, web_email, status, created_at, expires_at, purge_at`

func (s *postgresBindingCodeStore) Put(ctx context.Context, code *BindingCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("code is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO binding_codes (code, web_email, status, created_at, expires_at, purge_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (code) DO UPDATE
		 SET web_email = $2, status = $3, created_at = $4, expires_at = $5, purge_at = $6`,
		code.Code,
		code.WebEmail,
		string(code.Status),
		code.CreatedAt,
		code.ExpiresAt,
		code.PurgeAt,
	)
	if err != nil {
		return fmt.Errorf("put binding code: %w", err)
	}
	return nil
}

func scanBindingCode(row interface{ Scan(...any) error }) (*BindingCode, error) {
	var code BindingCode
	var status string
	if err := row.Scan(
		&code.Code,
		&code.WebEmail,
		&status,
		&code.CreatedAt,
		&code.ExpiresAt,
		&code.PurgeAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan binding code: %w", err)
	}
	code.Status = CodeStatus(status)
	return &code, nil
}

func (s *postgresBindingCodeStore) Get(ctx context.Context, code string) (*BindingCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bindingCodeColumns+` FROM binding_codes WHERE code = $1`, code)
	return scanBindingCode(row)
}

func (s *postgresBindingCodeStore) GetPendingByEmail(ctx context.Context, email string, now time.Time) (*BindingCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bindingCodeColumns+` FROM binding_codes
		 WHERE lower(web_email) = lower($1) AND status = $2 AND expires_at > $3
		 ORDER BY created_at DESC LIMIT 1`,
		email, string(CodePending), now)
	return scanBindingCode(row)
}

func (s *postgresBindingCodeStore) MarkUsed(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE binding_codes SET status = $1 WHERE code = $2 AND status = $3`,
		string(CodeUsed), code, string(CodePending))
	if err != nil {
		return fmt.Errorf("mark binding code used: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark binding code rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.Get(ctx, code); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (s *postgresBindingCodeStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM binding_codes WHERE purge_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired binding codes: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired binding codes rows affected: %w", err)
	}
	return int(rows), nil
}

type postgresAllowlistStore struct {
	db *sql.DB
}

const allowlistColumns = `chat_id, username, enabled, role, permissions, created_at, updated_at`

func (s *postgresAllowlistStore) Put(ctx context.Context, entry *AllowlistEntry) error {
	if entry == nil || entry.ChatID == 0 {
		return fmt.Errorf("chat id is required")
	}
	perms, err := json.Marshal(entry.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO allowlist (chat_id, username, enabled, role, permissions, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (chat_id) DO UPDATE
		 SET username = $2, enabled = $3, role = $4, permissions = $5, updated_at = $7`,
		entry.ChatID,
		entry.Username,
		entry.Enabled,
		string(entry.Role),
		perms,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put allowlist entry: %w", err)
	}
	return nil
}

func scanAllowlistEntry(row interface{ Scan(...any) error }) (*AllowlistEntry, error) {
	var entry AllowlistEntry
	var role string
	var perms []byte
	if err := row.Scan(
		&entry.ChatID,
		&entry.Username,
		&entry.Enabled,
		&role,
		&perms,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan allowlist entry: %w", err)
	}
	entry.Role = Role(role)
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &entry.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshal permissions: %w", err)
		}
	}
	return &entry, nil
}

func (s *postgresAllowlistStore) Get(ctx context.Context, chatID int64) (*AllowlistEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+allowlistColumns+` FROM allowlist WHERE chat_id = $1`, chatID)
	return scanAllowlistEntry(row)
}

func (s *postgresAllowlistStore) Delete(ctx context.Context, chatID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM allowlist WHERE chat_id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("delete allowlist entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete allowlist entry rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresAllowlistStore) List(ctx context.Context) ([]*AllowlistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+allowlistColumns+` FROM allowlist ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list allowlist: %w", err)
	}
	defer rows.Close()

	entries := []*AllowlistEntry{}
	for rows.Next() {
		entry, err := scanAllowlistEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list allowlist: %w", err)
	}
	return entries, nil
}

type postgresConnectionStore struct {
	db *sql.DB
}

const connectionColumns = `connection_id, unified_user_id, email, connected_at, last_activity, expires_at`

func (s *postgresConnectionStore) Put(ctx context.Context, conn *Connection) error {
	if conn == nil || conn.ConnectionID == "" {
		return fmt.Errorf("connection id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (connection_id, unified_user_id, email, connected_at, last_activity, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (connection_id) DO UPDATE
		 SET unified_user_id = $2, email = $3, connected_at = $4, last_activity = $5, expires_at = $6`,
		conn.ConnectionID,
		conn.UnifiedUserID,
		conn.Email,
		conn.ConnectedAt,
		conn.LastActivity,
		conn.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

func (s *postgresConnectionStore) Get(ctx context.Context, connectionID string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE connection_id = $1`, connectionID)
	var conn Connection
	if err := row.Scan(
		&conn.ConnectionID,
		&conn.UnifiedUserID,
		&conn.Email,
		&conn.ConnectedAt,
		&conn.LastActivity,
		&conn.ExpiresAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return &conn, nil
}

func (s *postgresConnectionStore) Touch(ctx context.Context, connectionID string, lastActivity, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_activity = $1, expires_at = $2 WHERE connection_id = $3`,
		lastActivity, expiresAt, connectionID)
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch connection rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresConnectionStore) Delete(ctx context.Context, connectionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete connection rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresConnectionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired connections: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired connections rows affected: %w", err)
	}
	return int(rows), nil
}

type postgresHistoryStore struct {
	db *sql.DB
}

const historyColumns = `unified_user_id, timestamp_msgid, role, text, attachments, channel, conversation_id, created_at, expires_at`

func (s *postgresHistoryStore) Put(ctx context.Context, msg *HistoryMessage) error {
	if msg == nil || msg.UnifiedUserID == "" || msg.TimestampMsgID == "" {
		return fmt.Errorf("unified user id and timestamp_msgid are required")
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history_messages (unified_user_id, timestamp_msgid, role, text, attachments, channel, conversation_id, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		msg.UnifiedUserID,
		msg.TimestampMsgID,
		string(msg.Role),
		msg.Text,
		attachments,
		msg.Channel,
		msg.ConversationID,
		msg.CreatedAt,
		msg.ExpiresAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put history message: %w", err)
	}
	return nil
}

func scanHistoryMessage(row interface{ Scan(...any) error }) (*HistoryMessage, error) {
	var msg HistoryMessage
	var role string
	var attachments []byte
	if err := row.Scan(
		&msg.UnifiedUserID,
		&msg.TimestampMsgID,
		&role,
		&msg.Text,
		&attachments,
		&msg.Channel,
		&msg.ConversationID,
		&msg.CreatedAt,
		&msg.ExpiresAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan history message: %w", err)
	}
	msg.Role = envelope.Role(role)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	return &msg, nil
}

func (s *postgresHistoryStore) List(ctx context.Context, userID string, q HistoryQuery) ([]*HistoryMessage, string, error) {
	args := []any{userID}
	var where strings.Builder
	where.WriteString("unified_user_id = $1")
	if q.Channel != "" {
		args = append(args, q.Channel)
		fmt.Fprintf(&where, " AND channel = $%d", len(args))
	}
	if q.ConversationID != "" {
		args = append(args, q.ConversationID)
		fmt.Fprintf(&where, " AND conversation_id = $%d", len(args))
	}
	if q.LastKey != "" {
		args = append(args, q.LastKey)
		if q.Descending {
			fmt.Fprintf(&where, " AND timestamp_msgid < $%d", len(args))
		} else {
			fmt.Fprintf(&where, " AND timestamp_msgid > $%d", len(args))
		}
	}

	order := " ORDER BY timestamp_msgid"
	if q.Descending {
		order += " DESC"
	}
	limitClause := ""
	if q.Limit > 0 {
		args = append(args, q.Limit+1)
		limitClause = fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM history_messages WHERE `+where.String()+order+limitClause,
		args...)
	if err != nil {
		return nil, "", fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	messages := []*HistoryMessage{}
	for rows.Next() {
		msg, err := scanHistoryMessage(rows)
		if err != nil {
			return nil, "", err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list history: %w", err)
	}

	nextKey := ""
	if q.Limit > 0 && len(messages) > q.Limit {
		messages = messages[:q.Limit]
		nextKey = messages[len(messages)-1].TimestampMsgID
	}
	return messages, nextKey, nil
}

func (s *postgresHistoryStore) Update(ctx context.Context, msg *HistoryMessage) error {
	if msg == nil || msg.UnifiedUserID == "" || msg.TimestampMsgID == "" {
		return fmt.Errorf("unified user id and timestamp_msgid are required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE history_messages SET conversation_id = $1
		 WHERE unified_user_id = $2 AND timestamp_msgid = $3`,
		msg.ConversationID,
		msg.UnifiedUserID,
		msg.TimestampMsgID,
	)
	if err != nil {
		return fmt.Errorf("update history message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update history message rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresHistoryStore) Stats(ctx context.Context, userID, channel string) (*HistoryStats, error) {
	args := []any{userID}
	where := "unified_user_id = $1"
	if channel != "" {
		args = append(args, channel)
		where += fmt.Sprintf(" AND channel = $%d", len(args))
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT count(*), coalesce(min(created_at), to_timestamp(0)), coalesce(max(created_at), to_timestamp(0))
		 FROM history_messages WHERE `+where, args...)

	stats := &HistoryStats{}
	var oldest, newest time.Time
	if err := row.Scan(&stats.TotalMessages, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("history stats: %w", err)
	}
	if stats.TotalMessages > 0 {
		stats.Oldest = oldest
		stats.Newest = newest
	}
	return stats, nil
}

func (s *postgresHistoryStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT unified_user_id FROM history_messages ORDER BY unified_user_id`)
	if err != nil {
		return nil, fmt.Errorf("list history users: %w", err)
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan history user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history users: %w", err)
	}
	return users, nil
}

func (s *postgresHistoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history_messages WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired history: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired history rows affected: %w", err)
	}
	return int(rows), nil
}

type postgresConversationStore struct {
	db *sql.DB
}

const conversationColumns = `unified_user_id, conversation_id, title, created_at, last_message_time, message_count, is_pinned, is_deleted, deleted_at`

func (s *postgresConversationStore) Create(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.UnifiedUserID == "" || conv.ConversationID == "" {
		return fmt.Errorf("unified user id and conversation id are required")
	}
	var deletedAt sql.NullTime
	if conv.DeletedAt != nil {
		deletedAt = sql.NullTime{Time: *conv.DeletedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (unified_user_id, conversation_id, title, created_at, last_message_time, message_count, is_pinned, is_deleted, deleted_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		conv.UnifiedUserID,
		conv.ConversationID,
		conv.Title,
		conv.CreatedAt,
		conv.LastMessageTime,
		conv.MessageCount,
		conv.IsPinned,
		conv.IsDeleted,
		deletedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var conv Conversation
	var deletedAt sql.NullTime
	if err := row.Scan(
		&conv.UnifiedUserID,
		&conv.ConversationID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.LastMessageTime,
		&conv.MessageCount,
		&conv.IsPinned,
		&conv.IsDeleted,
		&deletedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if deletedAt.Valid {
		conv.DeletedAt = &deletedAt.Time
	}
	return &conv, nil
}

func (s *postgresConversationStore) Get(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE unified_user_id = $1 AND conversation_id = $2`,
		userID, conversationID)
	return scanConversation(row)
}

func (s *postgresConversationStore) Update(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.UnifiedUserID == "" || conv.ConversationID == "" {
		return fmt.Errorf("unified user id and conversation id are required")
	}
	var deletedAt sql.NullTime
	if conv.DeletedAt != nil {
		deletedAt = sql.NullTime{Time: *conv.DeletedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET title = $1, last_message_time = $2, message_count = $3, is_pinned = $4, is_deleted = $5, deleted_at = $6
		 WHERE unified_user_id = $7 AND conversation_id = $8`,
		conv.Title,
		conv.LastMessageTime,
		conv.MessageCount,
		conv.IsPinned,
		conv.IsDeleted,
		deletedAt,
		conv.UnifiedUserID,
		conv.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresConversationStore) ListByUser(ctx context.Context, userID string, q ConversationQuery) ([]*Conversation, string, error) {
	args := []any{userID}
	where := "unified_user_id = $1"
	if !q.IncludeDeleted {
		where += " AND is_deleted = false"
	}
	if q.LastKey != "" {
		// The cursor is the conversation id of the last row of the
		// previous page; resume strictly after its sort position.
		args = append(args, userID, q.LastKey)
		where += fmt.Sprintf(` AND (last_message_time, conversation_id) < (
			SELECT last_message_time, conversation_id FROM conversations
			WHERE unified_user_id = $%d AND conversation_id = $%d)`, len(args)-1, len(args))
	}

	limitClause := ""
	if q.Limit > 0 {
		args = append(args, q.Limit+1)
		limitClause = fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE `+where+
			` ORDER BY last_message_time DESC, conversation_id DESC`+limitClause,
		args...)
	if err != nil {
		return nil, "", fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := []*Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, "", err
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list conversations: %w", err)
	}

	nextKey := ""
	if q.Limit > 0 && len(conversations) > q.Limit {
		conversations = conversations[:q.Limit]
		nextKey = conversations[len(conversations)-1].ConversationID
	}
	return conversations, nextKey, nil
}

func (s *postgresConversationStore) Latest(ctx context.Context, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE unified_user_id = $1 AND is_deleted = false
		 ORDER BY last_message_time DESC LIMIT 1`,
		userID)
	return scanConversation(row)
}
