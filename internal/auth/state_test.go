package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestStateIssuerRoundTripsReturnURL(t *testing.T) {
	issuer, err := NewStateIssuer(StateIssuerConfig{SigningSecret: []byte("state-secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	state, err := issuer.IssueState("https://bgm.tv/subject/100")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	returnURL, err := issuer.ValidateState(state)
	if err != nil {
		t.Fatalf("expected state to validate: %v", err)
	}
	if returnURL != "https://bgm.tv/subject/100" {
		t.Fatalf("unexpected return url %q", returnURL)
	}
}

func TestStateIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewStateIssuer(StateIssuerConfig{}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestStateIssuerRejectsExpiredState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer, err := NewStateIssuer(StateIssuerConfig{
		SigningSecret: []byte("state-secret"),
		StateTTL:      time.Minute,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	state, err := issuer.IssueState("")
	if err != nil {
		t.Fatalf("unexpected error issuing state: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := issuer.ValidateState(state); err == nil {
		t.Fatalf("expected expired state to be rejected")
	}
}

func TestStateIssuerRejectsForeignSignature(t *testing.T) {
	issuer, err := NewStateIssuer(StateIssuerConfig{SigningSecret: []byte("state-secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	other, err := NewStateIssuer(StateIssuerConfig{SigningSecret: []byte("other-secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	state, err := other.IssueState("https://example.com")
	if err != nil {
		t.Fatalf("unexpected error issuing state: %v", err)
	}
	if _, err := issuer.ValidateState(state); err == nil {
		t.Fatalf("expected foreign state to be rejected")
	}
}

func TestStateIssuerRejectsOtherAlgorithms(t *testing.T) {
	issuer, err := NewStateIssuer(StateIssuerConfig{SigningSecret: []byte("state-secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    stateIssuer,
		Audience:  []string{stateAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build unsigned token: %v", err)
	}
	if _, err := issuer.ValidateState(unsigned); err == nil || !strings.Contains(err.Error(), "signing") {
		t.Fatalf("expected algorithm rejection, got %v", err)
	}
}
