package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer test-key", "test-key", false},
		{"Bearer   padded  ", "padded", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer   ", "", true},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		got, err := ExtractBearerToken(req)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("header %q: expected error", tc.header)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("header %q: got %q, %v", tc.header, got, err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeStatusRead}},
		{Token: "writer", Scopes: []string{" " + ScopePublish + " "}},
	}

	p, ok := Authenticate("admin", "admin", tokens)
	if !ok || !HasAnyScope(p, ScopePublish) {
		t.Fatalf("api_key should grant every scope: %+v %v", p, ok)
	}

	p, ok = Authenticate("reader", "admin", tokens)
	if !ok {
		t.Fatal("reader token rejected")
	}
	if !HasAnyScope(p, ScopeStatusRead) || HasAnyScope(p, ScopePublish) {
		t.Fatalf("unexpected reader scopes: %v", p.Scopes)
	}

	p, ok = Authenticate("writer", "admin", tokens)
	if !ok || !HasAnyScope(p, ScopeStatusRead) || !HasAnyScope(p, ScopePublish) {
		t.Fatalf("publish scope should imply read: %v", p.Scopes)
	}

	if _, ok := Authenticate("nobody", "admin", tokens); ok {
		t.Fatal("unknown token accepted")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Fatal("empty token matched empty api_key")
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("empty context has a principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{Token: "t"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Token != "t" {
		t.Fatalf("got %+v, %v", p, ok)
	}
	if !HasAnyScope(p) {
		t.Fatal("no required scopes should pass")
	}
}
