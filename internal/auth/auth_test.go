package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"trade_core/internal/domain"
)

func TestJWTResolver(t *testing.T) {
	r, err := NewJWTResolver("s3cret", "trade-core")
	if err != nil {
		t.Fatalf("NewJWTResolver failed: %v", err)
	}

	valid, _ := IssueToken("s3cret", "trade-core", "alice", time.Hour)
	expired, _ := IssueToken("s3cret", "trade-core", "alice", -time.Hour)
	wrongKey, _ := IssueToken("other", "trade-core", "alice", time.Hour)
	wrongIssuer, _ := IssueToken("s3cret", "someone-else", "alice", time.Hour)
	noSubject, _ := IssueToken("s3cret", "trade-core", "", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name      string
		token     string
		wantOwner string
		wantErr   bool
	}{
		{"valid", valid, "alice", false},
		{"bearer prefix", "Bearer " + valid, "alice", false},
		{"expired", expired, "", true},
		{"wrong key", wrongKey, "", true},
		{"wrong issuer", wrongIssuer, "", true},
		{"no subject", noSubject, "", true},
		{"alg none", none, "", true},
		{"garbage", "not-a-token", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, err := r.Resolve(context.Background(), tt.token)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrUnauthorized) {
					t.Errorf("Expected ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if owner != tt.wantOwner {
				t.Errorf("Expected owner %q, got %q", tt.wantOwner, owner)
			}
		})
	}
}

func TestNewJWTResolver_RequiresSecret(t *testing.T) {
	if _, err := NewJWTResolver("", ""); err == nil {
		t.Error("Expected error for empty secret")
	}
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]string{"tok-a": "alice", "tok-b": "bob"})

	owner, err := r.Resolve(context.Background(), "tok-b")
	if err != nil || owner != "bob" {
		t.Errorf("Expected bob, got %q (%v)", owner, err)
	}
	if _, err := r.Resolve(context.Background(), "tok-c"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for empty token, got %v", err)
	}
}
