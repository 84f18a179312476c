package httpapi

import (
	"strings"
	"testing"
	"time"

	"kasircabang/backend/internal/domain"
	"kasircabang/backend/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	return NewAuthManager("test-secret-key", time.Hour, memory.NewSeeded())
}

func TestLoginAndParseTokenRoundTrip(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "kasir", Password: "kasir123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleKasir || resp.BranchID != "branch-pusat" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "kasir" || actor.Role != domain.RoleKasir || actor.BranchID != "branch-pusat" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
	if actor.Name == "" {
		t.Fatalf("expected display name in token claims")
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	tampered := resp.AccessToken[:len(resp.AccessToken)-2] + "xx"
	if _, err := auth.ParseToken(tampered); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
	if _, err := auth.ParseToken("not-a-token"); err == nil {
		t.Fatalf("expected garbage token to be rejected")
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	auth := newTestAuth(t)
	other := NewAuthManager("a-different-secret", time.Hour, nil)

	resp, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestCreateCashierValidation(t *testing.T) {
	auth := newTestAuth(t)

	cases := []struct {
		name string
		req  domain.CashierCreateRequest
		want string
	}{
		{"short username", domain.CashierCreateRequest{Username: "ab", Password: "rahasia1", BranchID: "branch-pusat"}, "at least 4"},
		{"short password", domain.CashierCreateRequest{Username: "kasirdua", Password: "abc", BranchID: "branch-pusat"}, "at least 6"},
		{"missing branch", domain.CashierCreateRequest{Username: "kasirdua", Password: "rahasia1"}, "branch"},
		{"duplicate", domain.CashierCreateRequest{Username: "kasir", Password: "rahasia1", BranchID: "branch-pusat"}, "already exists"},
	}
	for _, tc := range cases {
		_, err := auth.CreateCashier(tc.req)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}

	created, err := auth.CreateCashier(domain.CashierCreateRequest{
		Username: "KasirDua",
		Password: "rahasia1",
		Name:     "Kasir Dua",
		BranchID: "branch-timur",
	})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if created.Username != "kasirdua" || created.BranchID != "branch-timur" || !created.Active {
		t.Fatalf("unexpected cashier: %+v", created)
	}

	resp, err := auth.Login(domain.LoginRequest{Username: "kasirdua", Password: "rahasia1"})
	if err != nil {
		t.Fatalf("new cashier login failed: %v", err)
	}
	if resp.BranchID != "branch-timur" {
		t.Fatalf("expected branch-timur claim, got %+v", resp)
	}

	listed := auth.ListCashiers()
	found := false
	for _, cashier := range listed {
		if cashier.Username == "kasirdua" {
			found = true
		}
	}
	if !found {
		t.Fatalf("new cashier missing from listing: %+v", listed)
	}
}
