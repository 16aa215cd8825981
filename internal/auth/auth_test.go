package auth

import (
	"strconv"
	"testing"
	"time"
)

func newTestVerifier(t *testing.T, at time.Time) *Verifier {
	t.Helper()
	v := NewVerifier("123456:test-bot-token", 24*time.Hour)
	v.now = func() time.Time { return at }
	return v
}

func freshClaim(v *Verifier, at time.Time) map[string]string {
	fields := map[string]string{
		"id":         "42",
		"first_name": "Ada",
		"username":   "ada",
		"auth_date":  strconv.FormatInt(at.Unix(), 10),
	}
	fields["hash"] = v.Sign(fields)
	return fields
}

func TestVerifyClaimAccepts(t *testing.T) {
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	userID, authDate, err := v.VerifyClaim(freshClaim(v, now))
	if err != nil {
		t.Fatalf("expected valid claim, got %v", err)
	}
	if userID != "42" {
		t.Errorf("expected user 42, got %s", userID)
	}
	if authDate != now.Unix() {
		t.Errorf("auth_date mismatch: %d", authDate)
	}
}

func TestVerifyClaimRejectsTamperedField(t *testing.T) {
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	fields := freshClaim(v, now)
	fields["id"] = "43"

	if _, _, err := v.VerifyClaim(fields); err != ErrBadSignature {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyClaimRejectsWrongBotToken(t *testing.T) {
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
	signer := newTestVerifier(t, now)
	fields := freshClaim(signer, now)

	other := NewVerifier("999999:other-token", 24*time.Hour)
	other.now = func() time.Time { return now }

	if _, _, err := other.VerifyClaim(fields); err != ErrBadSignature {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyClaimRejectsStale(t *testing.T) {
	issued := time.Date(2025, 8, 14, 11, 0, 0, 0, time.UTC)
	now := issued.Add(25 * time.Hour)
	v := newTestVerifier(t, now)

	if _, _, err := v.VerifyClaim(freshClaim(v, issued)); err != ErrClaimExpired {
		t.Errorf("expected ErrClaimExpired, got %v", err)
	}
}

func TestVerifyClaimMissingFields(t *testing.T) {
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	if _, _, err := v.VerifyClaim(map[string]string{"id": "42"}); err == nil {
		t.Error("expected error for missing hash")
	}

	fields := freshClaim(v, now)
	delete(fields, "id")
	if _, _, err := v.VerifyClaim(fields); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	tok := v.SessionToken("42", now.Unix())
	if !v.VerifySession("42", now.Unix(), tok) {
		t.Error("minted token should verify")
	}
	if v.VerifySession("43", now.Unix(), tok) {
		t.Error("token bound to another user should not verify")
	}
	if v.VerifySession("42", now.Unix()+1, tok) {
		t.Error("token bound to another auth_date should not verify")
	}
}
