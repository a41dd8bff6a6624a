package token

import (
	"errors"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSigner("test-secret", time.Minute)
	tok, err := s.Sign(map[string]any{
		"user_id": "u1",
		"query":   "add a route",
		"project": map[string]any{"main.py": "print(1)"},
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if payload["user_id"] != "u1" || payload["query"] != "add a route" {
		t.Fatalf("payload = %v", payload)
	}
	if _, ok := payload["iat"]; ok {
		t.Fatalf("iat leaked into payload")
	}
	if _, ok := payload["exp"]; ok {
		t.Fatalf("exp leaked into payload")
	}
	proj, ok := payload["project"].(map[string]any)
	if !ok || proj["main.py"] != "print(1)" {
		t.Fatalf("project = %v", payload["project"])
	}
}

func TestVerifyExpired(t *testing.T) {
	s := NewSigner("test-secret", -time.Minute)
	tok, err := s.Sign(map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.Verify(tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	tok, err := NewSigner("secret-a", time.Minute).Sign(map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewSigner("secret-b", time.Minute).Verify(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	s := NewSigner("test-secret", time.Minute)
	if _, err := s.Verify("not.a.token"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestSignValueVerifyInto(t *testing.T) {
	type payload struct {
		UserID  string            `json:"user_id"`
		Query   string            `json:"query"`
		Project map[string]string `json:"project"`
		Model   string            `json:"model,omitempty"`
	}
	s := NewSigner("test-secret", time.Minute)
	tok, err := s.SignValue(payload{
		UserID:  "u2",
		Query:   "fix the bug",
		Project: map[string]string{"a.rb": "puts 1"},
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var got payload
	if err := s.VerifyInto(tok, &got); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.UserID != "u2" || got.Project["a.rb"] != "puts 1" || got.Model != "" {
		t.Fatalf("got = %+v", got)
	}
}
