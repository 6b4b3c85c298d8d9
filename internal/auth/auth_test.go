package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)

	token, err := svc.Generate("Alice@Example.com", "admin")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("email = %q, want lowercased alice@example.com", claims.Email)
	}
	if claims.Role != "admin" {
		t.Errorf("role = %q, want admin", claims.Role)
	}
	if claims.Subject != "alice@example.com" {
		t.Errorf("subject = %q, want the email", claims.Subject)
	}
}

func TestJWTValidateRejects(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)

	t.Run("garbage", func(t *testing.T) {
		if _, err := svc.Validate("not-a-token"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Validate = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTService("different-secret", time.Hour)
		token, err := other.Generate("a@x.com", "user")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if _, err := svc.Validate(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Validate = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		short := NewJWTService("test-secret", -time.Hour)
		token, err := short.Generate("a@x.com", "user")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if _, err := svc.Validate(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Validate = %v, want ErrInvalidToken", err)
		}
	})
}

func TestPasswordHashAndCheck(t *testing.T) {
	hash, err := HashPassword("Sup3rSecret", 4)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "Sup3rSecret") {
		t.Error("CheckPassword rejected the right password")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("CheckPassword accepted a wrong password")
	}
}

func TestValidatePasswordStrength(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"Abcdefg1", true},
		{"short1A", false},
		{"alllowercase1", false},
		{"ALLUPPERCASE1", false},
		{"NoDigitsHere", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidatePasswordStrength(tt.password)
		if tt.ok && err != nil {
			t.Errorf("ValidatePasswordStrength(%q) = %v, want nil", tt.password, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidatePasswordStrength(%q) = nil, want error", tt.password)
		}
	}
}

func TestGenerateTemporaryPassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		pw, err := GenerateTemporaryPassword()
		if err != nil {
			t.Fatalf("GenerateTemporaryPassword: %v", err)
		}
		if len(pw) != 12 {
			t.Errorf("length = %d, want 12", len(pw))
		}
		if err := ValidatePasswordStrength(pw); err != nil {
			t.Errorf("temporary password %q fails strength policy: %v", pw, err)
		}
		if strings.ContainsAny(pw, "0O1lI") {
			t.Errorf("temporary password %q contains ambiguous characters", pw)
		}
		seen[pw] = true
	}
	if len(seen) < 2 {
		t.Error("temporary passwords are not random")
	}
}

func TestLoginLimiter(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter := NewLoginLimiter(5, 15*time.Minute)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if limiter.Blocked("a@x.com") {
			t.Fatalf("blocked after %d failures, want 5", i)
		}
		limiter.RecordFailure("a@x.com")
	}
	if !limiter.Blocked("a@x.com") {
		t.Error("not blocked after 5 failures")
	}

	t.Run("case-insensitive key", func(t *testing.T) {
		if !limiter.Blocked("A@X.COM") {
			t.Error("limiter keys should be case-insensitive")
		}
	})

	t.Run("window expiry unblocks", func(t *testing.T) {
		now = now.Add(16 * time.Minute)
		if limiter.Blocked("a@x.com") {
			t.Error("still blocked after the window rolled past")
		}
	})

	t.Run("clear on success", func(t *testing.T) {
		limiter.RecordFailure("b@x.com")
		limiter.Clear("b@x.com")
		for i := 0; i < 4; i++ {
			limiter.RecordFailure("b@x.com")
		}
		if limiter.Blocked("b@x.com") {
			t.Error("clear did not reset the window")
		}
	})

	t.Run("prune drops idle windows", func(t *testing.T) {
		limiter.RecordFailure("c@x.com")
		now = now.Add(time.Hour)
		if removed := limiter.Prune(); removed == 0 {
			t.Error("prune removed nothing")
		}
	})
}
