package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/qwer2003tw/unigate/internal/auth"
	"github.com/qwer2003tw/unigate/internal/bus"
	"github.com/qwer2003tw/unigate/internal/config"
	"github.com/qwer2003tw/unigate/internal/history"
	"github.com/qwer2003tw/unigate/internal/identity"
	"github.com/qwer2003tw/unigate/internal/storage"
	"github.com/qwer2003tw/unigate/pkg/envelope"
)

type fixture struct {
	server   *httptest.Server
	stores   storage.StoreSet
	identity *identity.Service
	history  *history.Service
	bus      *bus.Bus
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.TokenExpiry = time.Hour
	cfg.Auth.BcryptCost = 4
	if mutate != nil {
		mutate(cfg)
	}

	stores := storage.NewMemoryStores()
	identitySvc := identity.NewService(identity.Options{
		Stores:     stores,
		JWT:        auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
		Limiter:    auth.NewLoginLimiter(5, time.Minute),
		BcryptCost: cfg.Auth.BcryptCost,
	})
	historySvc := history.NewService(history.Options{Stores: stores})
	eventBus := bus.New(bus.Options{Workers: 2})

	server, err := NewServer(ServerOptions{
		Config:   cfg,
		Identity: identitySvc,
		History:  historySvc,
		Bus:      eventBus,
		Stores:   stores,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &fixture{
		server:   ts,
		stores:   stores,
		identity: identitySvc,
		history:  historySvc,
		bus:      eventBus,
	}
}

// createAccount provisions a user with a known password and returns a
// login token.
func (f *fixture) createAccount(t *testing.T, email string, role storage.Role, password string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := f.identity.CreateWebUser(ctx, email, role); err != nil {
		t.Fatalf("CreateWebUser(%s): %v", email, err)
	}
	if err := f.identity.SetWebUserPassword(ctx, email, password); err != nil {
		t.Fatalf("SetWebUserPassword(%s): %v", email, err)
	}
	result, err := f.identity.Login(ctx, email, password)
	if err != nil {
		t.Fatalf("Login(%s): %v", email, err)
	}
	return result.Token
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.request(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t, nil)
	f.createAccount(t, "alice@example.com", storage.RoleUser, "Password1")

	t.Run("bad credentials", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/auth/login", "", map[string]string{
			"email": "alice@example.com", "password": "wrong",
		})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("success", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/auth/login", "", map[string]string{
			"email": "alice@example.com", "password": "Password1",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if body["token"] == "" || body["token"] == nil {
			t.Error("no token in response")
		}
		user, _ := body["user"].(map[string]any)
		if user["email"] != "alice@example.com" || user["role"] != "user" {
			t.Errorf("user = %v", user)
		}
	})

	t.Run("disabled account", func(t *testing.T) {
		if err := f.identity.SetWebUserEnabled(context.Background(), "alice@example.com", false); err != nil {
			t.Fatalf("disable: %v", err)
		}
		resp := f.request(t, http.MethodPost, "/auth/login", "", map[string]string{
			"email": "alice@example.com", "password": "Password1",
		})
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
		resp.Body.Close()
	})
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t, nil)
	token := f.createAccount(t, "alice@example.com", storage.RoleUser, "Password1")

	t.Run("missing token", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/auth/me", "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("garbage token", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/auth/me", "not-a-jwt", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("valid token", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/auth/me", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if body := decodeBody(t, resp); body["email"] != "alice@example.com" {
			t.Errorf("body = %v", body)
		}
	})
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t, nil)
	token := f.createAccount(t, "alice@example.com", storage.RoleUser, "Password1")

	t.Run("weak password rejected", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/auth/change-password", token, map[string]string{
			"current_password": "Password1", "new_password": "short",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("wrong current password", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/auth/change-password", token, map[string]string{
			"current_password": "nope", "new_password": "Password2",
		})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("success", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/auth/change-password", token, map[string]string{
			"current_password": "Password1", "new_password": "Password2",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		resp.Body.Close()
		if _, err := f.identity.Login(context.Background(), "alice@example.com", "Password2"); err != nil {
			t.Errorf("login with new password: %v", err)
		}
	})
}

func TestBindingEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	token := f.createAccount(t, "alice@example.com", storage.RoleUser, "Password1")

	resp := f.request(t, http.MethodPost, "/binding/generate-code", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate-code status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	code, _ := body["code"].(string)
	if len(code) != 6 {
		t.Errorf("code = %q, want 6 digits", code)
	}
	if expiresIn, _ := body["expires_in"].(float64); expiresIn <= 0 {
		t.Errorf("expires_in = %v, want positive", body["expires_in"])
	}

	resp = f.request(t, http.MethodGet, "/binding/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", resp.StatusCode)
	}
	status := decodeBody(t, resp)
	if status["telegram_bound"] != false {
		t.Errorf("telegram_bound = %v before redeem", status["telegram_bound"])
	}

	// Redeem from the Telegram side and confirm the web view updates.
	if _, err := f.identity.Redeem(context.Background(), 42, "alice_tg", code); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	resp = f.request(t, http.MethodGet, "/binding/status", token, nil)
	status = decodeBody(t, resp)
	if status["telegram_bound"] != true {
		t.Errorf("telegram_bound = %v after redeem", status["telegram_bound"])
	}
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	adminToken := f.createAccount(t, "admin@example.com", storage.RoleAdmin, "Password1")
	userToken := f.createAccount(t, "bob@example.com", storage.RoleUser, "Password1")

	t.Run("non-admin forbidden", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/admin/users", userToken, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("create user", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/admin/users", adminToken, map[string]string{
			"email": "carol@example.com", "role": "user",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want 201", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if pw, _ := body["temporary_password"].(string); pw == "" {
			t.Error("no temporary password returned")
		}
	})

	t.Run("duplicate conflicts", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/admin/users", adminToken, map[string]string{
			"email": "carol@example.com",
		})
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("invalid role rejected", func(t *testing.T) {
		resp := f.request(t, http.MethodPut, "/admin/users/bob@example.com/role", adminToken, map[string]string{
			"role": "superuser",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("promote user", func(t *testing.T) {
		resp := f.request(t, http.MethodPut, "/admin/users/bob@example.com/role", adminToken, map[string]string{
			"role": "admin",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		resp.Body.Close()
		user, err := f.identity.Profile(context.Background(), "bob@example.com")
		if err != nil {
			t.Fatalf("Profile: %v", err)
		}
		if user.Role != storage.RoleAdmin {
			t.Errorf("role = %s, want admin", user.Role)
		}
	})

	t.Run("reset password", func(t *testing.T) {
		resp := f.request(t, http.MethodPut, "/admin/users/carol@example.com/password", adminToken, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		pw, _ := body["temporary_password"].(string)
		if pw == "" {
			t.Fatal("no temporary password returned")
		}
		if _, err := f.identity.Login(context.Background(), "carol@example.com", pw); err != nil {
			t.Errorf("login with reset password: %v", err)
		}
	})

	t.Run("unknown account 404", func(t *testing.T) {
		resp := f.request(t, http.MethodPut, "/admin/users/ghost@example.com/password", adminToken, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("list users omits hashes", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/admin/users", adminToken, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			t.Fatalf("read body: %v", err)
		}
		if strings.Contains(buf.String(), "password_hash") || strings.Contains(buf.String(), "$2a$") {
			t.Error("listing leaks password material")
		}
		var body map[string]any
		if err := json.Unmarshal(buf.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if total, _ := body["total"].(float64); total != 3 {
			t.Errorf("total = %v, want 3", body["total"])
		}
	})
}

func TestConversationEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	token := f.createAccount(t, "alice@example.com", storage.RoleUser, "Password1")

	resp := f.request(t, http.MethodPost, "/conversations", token, map[string]string{"title": "Trip planning"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	convID, _ := created["conversation_id"].(string)
	if convID == "" {
		t.Fatalf("no conversation id in %v", created)
	}

	t.Run("list", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/conversations", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if count, _ := body["count"].(float64); count != 1 {
			t.Errorf("count = %v, want 1", body["count"])
		}
	})

	t.Run("rename and pin", func(t *testing.T) {
		resp := f.request(t, http.MethodPut, "/conversations/"+convID, token, map[string]any{
			"title": "Renamed", "pinned": true,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if body["title"] != "Renamed" || body["pinned"] != true {
			t.Errorf("conversation = %v", body)
		}
	})

	t.Run("empty update rejected", func(t *testing.T) {
		resp := f.request(t, http.MethodPut, "/conversations/"+convID, token, map[string]any{})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("messages", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/conversations/"+convID+"/messages", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if count, _ := body["count"].(float64); count != 0 {
			t.Errorf("count = %v, want 0", body["count"])
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		resp := f.request(t, http.MethodDelete, "/conversations/does-not-exist", token, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("delete", func(t *testing.T) {
		resp := f.request(t, http.MethodDelete, "/conversations/"+convID, token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("deleted conversation messages", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/conversations/"+convID+"/messages", token, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404 after delete", resp.StatusCode)
		}
		resp.Body.Close()

		resp = f.request(t, http.MethodGet, "/conversations/"+convID+"/messages?include_deleted=true", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200 with include_deleted", resp.StatusCode)
		}
		resp.Body.Close()
	})
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	token := f.createAccount(t, "alice@example.com", storage.RoleUser, "Password1")

	ctx := context.Background()
	unified, err := f.identity.ResolveWebUser(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("ResolveWebUser: %v", err)
	}
	if _, err := f.history.AppendTurn(ctx, history.Turn{
		UnifiedUserID: unified.ID,
		Channel:       string(envelope.ChannelWeb),
		UserText:      "hello",
		AssistantText: "hi there",
	}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	t.Run("grouped listing", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/history?limit=10", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if count, _ := body["count"].(float64); count != 2 {
			t.Errorf("count = %v, want 2", body["count"])
		}
		messages, _ := body["messages"].(map[string]any)
		today, _ := messages["today"].([]any)
		if len(today) != 2 {
			t.Errorf("today bucket has %d messages, want 2", len(today))
		}
	})

	t.Run("markdown export", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/history/export?format=markdown", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
			t.Errorf("Content-Type = %q", ct)
		}
		if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
			t.Errorf("Content-Disposition = %q", cd)
		}
	})

	t.Run("unknown export format", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/history/export?format=pdf", token, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("stats", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/history/stats", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if total, _ := body["total_messages"].(float64); total != 2 {
			t.Errorf("total_messages = %v, want 2", body["total_messages"])
		}
	})
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.AuthToken = "processor-secret"
	})

	received := make(chan envelope.Event, 1)
	f.bus.Subscribe(envelope.EventMessageCompleted, "test-capture", func(ctx context.Context, event envelope.Event) error {
		received <- event
		return nil
	})

	frame := map[string]any{
		"source":      envelope.SourceProcessor,
		"detail-type": envelope.EventMessageCompleted,
		"detail": map[string]any{
			"messageId": "m-1",
			"channel":   map[string]any{"type": "telegram", "channelId": "42"},
			"user":      map[string]any{"id": "tg:42"},
			"response":  "the answer",
		},
	}

	t.Run("missing token", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/events", "", frame)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("wrong token", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/events", "wrong", frame)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("foreign source rejected", func(t *testing.T) {
		bad := map[string]any{
			"source":      "someone-else",
			"detail-type": envelope.EventMessageCompleted,
			"detail":      map[string]any{},
		}
		resp := f.request(t, http.MethodPost, "/events", "processor-secret", bad)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("accepted and republished", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/events", "processor-secret", frame)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if body["id"] == "" || body["id"] == nil {
			t.Error("no event id assigned")
		}

		select {
		case event := <-received:
			if event.DetailType != envelope.EventMessageCompleted {
				t.Errorf("detail type = %s", event.DetailType)
			}
			var completion envelope.Completion
			if err := json.Unmarshal(event.Detail, &completion); err != nil {
				t.Fatalf("unmarshal detail: %v", err)
			}
			if completion.Response != "the answer" {
				t.Errorf("response = %q", completion.Response)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event never reached the bus")
		}
	})
}

func TestRouteNotFound(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.request(t, http.MethodGet, fmt.Sprintf("/no/such/route-%d", time.Now().UnixNano()), "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}
