package fwp

import (
	"context"
	"testing"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	t.Parallel()

	auth := NewAPIKeyAuthenticator(
		APIKeyEntry{
			Token: "fw_test_123",
			Identity: Identity{
				Subject: "user-1",
				Scopes:  []string{ScopeJobWrite, ScopeSubscribe},
			},
		},
		APIKeyEntry{
			Token: "fw_admin_456",
			Identity: Identity{
				Subject: "admin-1",
				Scopes:  []string{ScopeAll},
			},
		},
	)

	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		id, err := auth.Authenticate(ctx, "fw_test_123")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if id.Subject != "user-1" {
			t.Errorf("Subject = %q, want %q", id.Subject, "user-1")
		}
		if !id.HasScope(ScopeSubscribe) {
			t.Error("identity should have subscribe scope")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := auth.Authenticate(ctx, "invalid")
		if err == nil {
			t.Error("expected error for invalid token")
		}
	})
}

func TestIdentityHasScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		scopes   []string
		check    string
		expected bool
	}{
		{"exact match", []string{"job:write"}, "job:write", true},
		{"no match", []string{"job:write"}, "job:read", false},
		{"wildcard", []string{"*"}, "anything", true},
		{"multiple scopes", []string{"job:read", "job:write"}, "job:write", true},
		{"empty scopes", nil, "job:read", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &Identity{Subject: "test", Scopes: tt.scopes}
			if got := id.HasScope(tt.check); got != tt.expected {
				t.Errorf("HasScope(%q) = %v, want %v", tt.check, got, tt.expected)
			}
		})
	}
}

func TestRequiredScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method   string
		expected string
	}{
		{MethodAuth, ""},
		{MethodJobSubmit, ScopeJobWrite},
		{MethodJobGet, ScopeJobRead},
		{MethodJobCancel, ScopeJobWrite},
		{MethodJobList, ScopeJobRead},
		{MethodSubscribe, ScopeSubscribe},
		{MethodUnsubscribe, ScopeSubscribe},
		{MethodStats, ScopeStatsRead},
		{"something.else", ScopeAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := RequiredScope(tt.method)
			if got != tt.expected {
				t.Errorf("RequiredScope(%q) = %q, want %q", tt.method, got, tt.expected)
			}
		})
	}
}

func TestNoopAuthenticator(t *testing.T) {
	t.Parallel()

	auth := &NoopAuthenticator{}
	id, err := auth.Authenticate(context.Background(), "any-token")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Subject != "anonymous" {
		t.Errorf("Subject = %q, want %q", id.Subject, "anonymous")
	}
	if !id.HasScope(ScopeAll) {
		t.Error("NoopAuthenticator should grant wildcard scope")
	}
}

func TestCompositeAuthenticator(t *testing.T) {
	t.Parallel()

	apiKey := NewAPIKeyAuthenticator(
		APIKeyEntry{
			Token:    "fw_first",
			Identity: Identity{Subject: "first"},
		},
	)

	second := NewAPIKeyAuthenticator(
		APIKeyEntry{
			Token:    "fw_second",
			Identity: Identity{Subject: "second"},
		},
	)

	composite := NewCompositeAuthenticator(apiKey, second)
	ctx := context.Background()

	t.Run("first authenticator matches", func(t *testing.T) {
		id, err := composite.Authenticate(ctx, "fw_first")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if id.Subject != "first" {
			t.Errorf("Subject = %q, want %q", id.Subject, "first")
		}
	})

	t.Run("second authenticator matches", func(t *testing.T) {
		id, err := composite.Authenticate(ctx, "fw_second")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if id.Subject != "second" {
			t.Errorf("Subject = %q, want %q", id.Subject, "second")
		}
	})

	t.Run("none match", func(t *testing.T) {
		_, err := composite.Authenticate(ctx, "unknown")
		if err == nil {
			t.Error("expected error when no authenticator matches")
		}
	})
}
