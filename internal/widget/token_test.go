package widget

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	token, err := NewToken("secret", "!room:example.org_widget1", issued)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	at := func() time.Time { return issued.Add(time.Minute) }
	uid, err := parseTokenAt("secret", token, at)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if uid != "!room:example.org_widget1" {
		t.Fatalf("uid = %s, want the issued widget UID", uid)
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	token, err := NewToken("secret", "uid", issued)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	at := func() time.Time { return issued.Add(time.Minute) }
	if _, err := parseTokenAt("other", token, at); err == nil {
		t.Fatal("expected rejection with the wrong secret")
	}
}

func TestTokenRejectsExpired(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	token, err := NewToken("secret", "uid", issued)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	at := func() time.Time { return issued.Add(time.Hour) }
	if _, err := parseTokenAt("secret", token, at); err == nil {
		t.Fatal("expected rejection of an expired token")
	}
}

func TestTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseToken("secret", "not-a-token"); err == nil {
		t.Fatal("expected rejection of malformed input")
	}
}
