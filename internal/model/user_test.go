package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewUserResponse_OmitsPasswordHash(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	u := &User{
		ID:           7,
		Name:         "Ana",
		Email:        "ana@x.com",
		PasswordHash: "$argon2id$v=19$secret",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	data, err := json.Marshal(NewUserResponse(u))
	if err != nil {
		t.Fatalf("Marshal() unexpected error: %v", err)
	}

	body := string(data)
	if strings.Contains(body, "argon2id") || strings.Contains(body, "password") {
		t.Fatalf("user view leaked credential: %s", body)
	}
	if !strings.Contains(body, `"email_verified_at":null`) {
		t.Errorf("expected explicit null email_verified_at, got %s", body)
	}
}

func TestLoginData_FlattensTokenFields(t *testing.T) {
	data, err := json.Marshal(LoginData{
		User:      UserResponse{ID: 1},
		TokenData: TokenData{Token: "t", TokenType: "bearer", ExpiresIn: 3600},
	})
	if err != nil {
		t.Fatalf("Marshal() unexpected error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() unexpected error: %v", err)
	}
	for _, key := range []string{"user", "token", "token_type", "expires_in"} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
}

func TestRegistered_ListsOnlyAccountFields(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := json.Marshal(UserResponse{ID: 7, Name: "Ana", Email: "ana@x.com", EmailVerifiedAt: &now, CreatedAt: now, UpdatedAt: now}.Registered())
	if err != nil {
		t.Fatalf("Marshal() unexpected error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() unexpected error: %v", err)
	}
	want := []string{"id", "name", "email", "created_at", "updated_at"}
	if len(got) != len(want) {
		t.Errorf("registered view has %d keys, want %d: %s", len(got), len(want), data)
	}
	for _, key := range want {
		if _, ok := got[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
}
