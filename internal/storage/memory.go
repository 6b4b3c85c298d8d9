package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// NewMemoryStores constructs a StoreSet backed by memory, used for
// development and tests.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Users:         NewMemoryUnifiedUserStore(),
		WebUsers:      NewMemoryWebUserStore(),
		Codes:         NewMemoryBindingCodeStore(),
		Allowlist:     NewMemoryAllowlistStore(),
		Connections:   NewMemoryConnectionStore(),
		History:       NewMemoryHistoryStore(),
		Conversations: NewMemoryConversationStore(),
	}
}

// MemoryUnifiedUserStore provides an in-memory UnifiedUserStore.
type MemoryUnifiedUserStore struct {
	mu       sync.RWMutex
	users    map[string]*UnifiedUser
	byEmail  map[string]string
	byChatID map[int64]string
}

// NewMemoryUnifiedUserStore creates an in-memory unified user store.
func NewMemoryUnifiedUserStore() *MemoryUnifiedUserStore {
	return &MemoryUnifiedUserStore{
		users:    make(map[string]*UnifiedUser),
		byEmail:  make(map[string]string),
		byChatID: make(map[int64]string),
	}
}

func (s *MemoryUnifiedUserStore) Create(ctx context.Context, user *UnifiedUser) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("unified user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return ErrAlreadyExists
	}
	if user.WebEmail != "" {
		if _, exists := s.byEmail[user.WebEmail]; exists {
			return ErrAlreadyExists
		}
	}
	if user.TelegramChatID != 0 {
		if _, exists := s.byChatID[user.TelegramChatID]; exists {
			return ErrAlreadyExists
		}
	}
	s.users[user.ID] = user.Clone()
	if user.WebEmail != "" {
		s.byEmail[user.WebEmail] = user.ID
	}
	if user.TelegramChatID != 0 {
		s.byChatID[user.TelegramChatID] = user.ID
	}
	return nil
}

func (s *MemoryUnifiedUserStore) Get(ctx context.Context, id string) (*UnifiedUser, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return user.Clone(), nil
}

func (s *MemoryUnifiedUserStore) GetByEmail(ctx context.Context, email string) (*UnifiedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return s.users[id].Clone(), nil
}

func (s *MemoryUnifiedUserStore) GetByChatID(ctx context.Context, chatID int64) (*UnifiedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byChatID[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.users[id].Clone(), nil
}

func (s *MemoryUnifiedUserStore) BindTelegram(ctx context.Context, id string, chatID int64, now time.Time) error {
	if chatID == 0 {
		return fmt.Errorf("chat id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	if user.TelegramChatID != 0 {
		return ErrConflict
	}
	if _, bound := s.byChatID[chatID]; bound {
		return ErrAlreadyExists
	}
	user.TelegramChatID = chatID
	user.BindingStatus = BindingComplete
	user.UpdatedAt = now
	s.byChatID[chatID] = id
	return nil
}

func (s *MemoryUnifiedUserStore) List(ctx context.Context, limit, offset int) ([]*UnifiedUser, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]*UnifiedUser, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user.Clone())
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.After(users[j].CreatedAt)
	})
	total := len(users)
	return paginate(users, limit, offset), total, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// MemoryWebUserStore provides an in-memory WebUserStore.
type MemoryWebUserStore struct {
	mu    sync.RWMutex
	users map[string]*WebUser
}

// NewMemoryWebUserStore creates an in-memory web user store.
func NewMemoryWebUserStore() *MemoryWebUserStore {
	return &MemoryWebUserStore{users: make(map[string]*WebUser)}
}

func (s *MemoryWebUserStore) Create(ctx context.Context, user *WebUser) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("email is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.Email]; exists {
		return ErrAlreadyExists
	}
	s.users[user.Email] = user.Clone()
	return nil
}

func (s *MemoryWebUserStore) Get(ctx context.Context, email string) (*WebUser, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	return user.Clone(), nil
}

func (s *MemoryWebUserStore) Update(ctx context.Context, user *WebUser) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("email is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.Email]; !exists {
		return ErrNotFound
	}
	s.users[user.Email] = user.Clone()
	return nil
}

func (s *MemoryWebUserStore) List(ctx context.Context, limit, offset int) ([]*WebUser, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]*WebUser, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user.Clone())
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Email < users[j].Email
	})
	total := len(users)
	return paginate(users, limit, offset), total, nil
}

// MemoryBindingCodeStore provides an in-memory BindingCodeStore.
type MemoryBindingCodeStore struct {
	mu    sync.RWMutex
	codes map[string]*BindingCode
}

// NewMemoryBindingCodeStore creates an in-memory binding code store.
func NewMemoryBindingCodeStore() *MemoryBindingCodeStore {
	return &MemoryBindingCodeStore{codes: make(map[string]*BindingCode)}
}

func (s *MemoryBindingCodeStore) Put(ctx context.Context, code *BindingCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("code is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code.Clone()
	return nil
}

func (s *MemoryBindingCodeStore) Get(ctx context.Context, code string) (*BindingCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryBindingCodeStore) GetPendingByEmail(ctx context.Context, email string, now time.Time) (*BindingCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.codes {
		if c.WebEmail == email && c.Live(now) {
			return c.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryBindingCodeStore) MarkUsed(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return ErrNotFound
	}
	if c.Status != CodePending {
		return ErrConflict
	}
	c.Status = CodeUsed
	return nil
}

func (s *MemoryBindingCodeStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, c := range s.codes {
		if now.After(c.PurgeAt) {
			delete(s.codes, key)
			removed++
		}
	}
	return removed, nil
}

// MemoryAllowlistStore provides an in-memory AllowlistStore.
type MemoryAllowlistStore struct {
	mu      sync.RWMutex
	entries map[int64]*AllowlistEntry
}

// NewMemoryAllowlistStore creates an in-memory allowlist store.
func NewMemoryAllowlistStore() *MemoryAllowlistStore {
	return &MemoryAllowlistStore{entries: make(map[int64]*AllowlistEntry)}
}

func (s *MemoryAllowlistStore) Put(ctx context.Context, entry *AllowlistEntry) error {
	if entry == nil || entry.ChatID == 0 {
		return fmt.Errorf("chat id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ChatID] = entry.Clone()
	return nil
}

func (s *MemoryAllowlistStore) Get(ctx context.Context, chatID int64) (*AllowlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (s *MemoryAllowlistStore) Delete(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[chatID]; !ok {
		return ErrNotFound
	}
	delete(s.entries, chatID)
	return nil
}

func (s *MemoryAllowlistStore) List(ctx context.Context) ([]*AllowlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*AllowlistEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry.Clone())
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ChatID < entries[j].ChatID
	})
	return entries, nil
}

// MemoryConnectionStore provides an in-memory ConnectionStore.
type MemoryConnectionStore struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewMemoryConnectionStore creates an in-memory connection store.
func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{connections: make(map[string]*Connection)}
}

func (s *MemoryConnectionStore) Put(ctx context.Context, conn *Connection) error {
	if conn == nil || conn.ConnectionID == "" {
		return fmt.Errorf("connection id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[conn.ConnectionID] = conn.Clone()
	return nil
}

func (s *MemoryConnectionStore) Get(ctx context.Context, connectionID string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	return conn.Clone(), nil
}

func (s *MemoryConnectionStore) Touch(ctx context.Context, connectionID string, lastActivity, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[connectionID]
	if !ok {
		return ErrNotFound
	}
	conn.LastActivity = lastActivity
	conn.ExpiresAt = expiresAt
	return nil
}

func (s *MemoryConnectionStore) Delete(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[connectionID]; !ok {
		return ErrNotFound
	}
	delete(s.connections, connectionID)
	return nil
}

func (s *MemoryConnectionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, conn := range s.connections {
		if now.After(conn.ExpiresAt) {
			delete(s.connections, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryHistoryStore provides an in-memory HistoryStore. Messages are
// held per user sorted by timestamp_msgid, mirroring the partitioned
// sort-key layout of the production backend.
type MemoryHistoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*HistoryMessage
}

// NewMemoryHistoryStore creates an in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{messages: make(map[string][]*HistoryMessage)}
}

func (s *MemoryHistoryStore) Put(ctx context.Context, msg *HistoryMessage) error {
	if msg == nil || msg.UnifiedUserID == "" || msg.TimestampMsgID == "" {
		return fmt.Errorf("unified user id and timestamp_msgid are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[msg.UnifiedUserID]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].TimestampMsgID >= msg.TimestampMsgID
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = msg.Clone()
	s.messages[msg.UnifiedUserID] = list
	return nil
}

func (s *MemoryHistoryStore) List(ctx context.Context, userID string, q HistoryQuery) ([]*HistoryMessage, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*HistoryMessage, 0)
	for _, msg := range s.messages[userID] {
		if q.Channel != "" && msg.Channel != q.Channel {
			continue
		}
		if q.ConversationID != "" && msg.ConversationID != q.ConversationID {
			continue
		}
		matched = append(matched, msg)
	}
	if q.Descending {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	start := 0
	if q.LastKey != "" {
		for i, msg := range matched {
			if msg.TimestampMsgID == q.LastKey {
				start = i + 1
				break
			}
			if !q.Descending && msg.TimestampMsgID > q.LastKey {
				start = i
				break
			}
			if q.Descending && msg.TimestampMsgID < q.LastKey {
				start = i
				break
			}
			start = i + 1
		}
	}
	matched = matched[start:]

	nextKey := ""
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
		if len(matched) > 0 {
			nextKey = matched[len(matched)-1].TimestampMsgID
		}
	}

	out := make([]*HistoryMessage, len(matched))
	for i, msg := range matched {
		out[i] = msg.Clone()
	}
	return out, nextKey, nil
}

func (s *MemoryHistoryStore) Update(ctx context.Context, msg *HistoryMessage) error {
	if msg == nil || msg.UnifiedUserID == "" || msg.TimestampMsgID == "" {
		return fmt.Errorf("unified user id and timestamp_msgid are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.messages[msg.UnifiedUserID] {
		if existing.TimestampMsgID == msg.TimestampMsgID {
			s.messages[msg.UnifiedUserID][i] = msg.Clone()
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryHistoryStore) Stats(ctx context.Context, userID, channel string) (*HistoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &HistoryStats{}
	for _, msg := range s.messages[userID] {
		if channel != "" && msg.Channel != channel {
			continue
		}
		stats.TotalMessages++
		if stats.Oldest.IsZero() || msg.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = msg.CreatedAt
		}
		if msg.CreatedAt.After(stats.Newest) {
			stats.Newest = msg.CreatedAt
		}
	}
	return stats, nil
}

func (s *MemoryHistoryStore) ListUsers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.messages))
	for userID, msgs := range s.messages {
		if len(msgs) > 0 {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryHistoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for userID, msgs := range s.messages {
		kept := msgs[:0]
		for _, msg := range msgs {
			if !msg.ExpiresAt.IsZero() && now.After(msg.ExpiresAt) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		s.messages[userID] = kept
	}
	return removed, nil
}

// MemoryConversationStore provides an in-memory ConversationStore.
type MemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]map[string]*Conversation
}

// NewMemoryConversationStore creates an in-memory conversation store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{conversations: make(map[string]map[string]*Conversation)}
}

func (s *MemoryConversationStore) Create(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.UnifiedUserID == "" || conv.ConversationID == "" {
		return fmt.Errorf("unified user id and conversation id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.conversations[conv.UnifiedUserID]
	if byID == nil {
		byID = make(map[string]*Conversation)
		s.conversations[conv.UnifiedUserID] = byID
	}
	if _, exists := byID[conv.ConversationID]; exists {
		return ErrAlreadyExists
	}
	byID[conv.ConversationID] = conv.Clone()
	return nil
}

func (s *MemoryConversationStore) Get(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[userID][conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryConversationStore) Update(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.UnifiedUserID == "" || conv.ConversationID == "" {
		return fmt.Errorf("unified user id and conversation id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.UnifiedUserID][conv.ConversationID]; !ok {
		return ErrNotFound
	}
	s.conversations[conv.UnifiedUserID][conv.ConversationID] = conv.Clone()
	return nil
}

func (s *MemoryConversationStore) ListByUser(ctx context.Context, userID string, q ConversationQuery) ([]*Conversation, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]*Conversation, 0, len(s.conversations[userID]))
	for _, conv := range s.conversations[userID] {
		if conv.IsDeleted && !q.IncludeDeleted {
			continue
		}
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].LastMessageTime.Equal(convs[j].LastMessageTime) {
			return convs[i].ConversationID > convs[j].ConversationID
		}
		return convs[i].LastMessageTime.After(convs[j].LastMessageTime)
	})

	start := 0
	if q.LastKey != "" {
		for i, conv := range convs {
			if conv.ConversationID == q.LastKey {
				start = i + 1
				break
			}
		}
	}
	convs = convs[start:]

	nextKey := ""
	if q.Limit > 0 && len(convs) > q.Limit {
		convs = convs[:q.Limit]
		if len(convs) > 0 {
			nextKey = convs[len(convs)-1].ConversationID
		}
	}

	out := make([]*Conversation, len(convs))
	for i, conv := range convs {
		out[i] = conv.Clone()
	}
	return out, nextKey, nil
}

func (s *MemoryConversationStore) Latest(ctx context.Context, userID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Conversation
	for _, conv := range s.conversations[userID] {
		if conv.IsDeleted {
			continue
		}
		if latest == nil || conv.LastMessageTime.After(latest.LastMessageTime) {
			latest = conv
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}
