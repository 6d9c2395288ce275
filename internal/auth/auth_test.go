package auth

import (
	"errors"
	"testing"
	"time"
)

func TestCheckHookToken(t *testing.T) {
	tests := []struct {
		provided, expected string
		want               bool
	}{
		{"s3cret", "s3cret", true},
		{"s3cret", "other", false},
		{"s3cre", "s3cret", false},
		{"", "s3cret", false},
		{"", "", false},
		{"anything", "", false},
	}
	for _, tt := range tests {
		if got := CheckHookToken(tt.provided, tt.expected); got != tt.want {
			t.Errorf("CheckHookToken(%q, %q) = %v, want %v", tt.provided, tt.expected, got, tt.want)
		}
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateToken()
	if len(a) != 64 {
		t.Errorf("len = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two tokens should differ")
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	i := NewIssuer("signing-key", time.Hour)
	token, expires, err := i.Mint("builder-1")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Error("expiry should be in the future")
	}

	claims, err := i.Parse(token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims.Agent != "builder-1" {
		t.Errorf("Agent = %q, want builder-1", claims.Agent)
	}
}

func TestIssuer_RejectsBadTokens(t *testing.T) {
	i := NewIssuer("signing-key", time.Hour)
	token, _, err := i.Mint("builder-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewIssuer("other-key", time.Hour).Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong key err = %v, want ErrInvalidToken", err)
	}
	if _, err := i.Parse("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage err = %v, want ErrInvalidToken", err)
	}

	i.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := i.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired err = %v, want ErrInvalidToken", err)
	}
}

func TestIssuer_NoKey(t *testing.T) {
	i := NewIssuer("", 0)
	if _, _, err := i.Mint("a"); !errors.Is(err, ErrNoSigningKey) {
		t.Errorf("Mint err = %v, want ErrNoSigningKey", err)
	}
	if _, err := i.Parse("x"); !errors.Is(err, ErrNoSigningKey) {
		t.Errorf("Parse err = %v, want ErrNoSigningKey", err)
	}
}
