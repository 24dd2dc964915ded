// ABOUTME: Tests for auth context helpers
// ABOUTME: Covers WithAuth/FromContext round trips and permission checks

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Empty(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestWithAuth_RoundTrip(t *testing.T) {
	want := &AuthContext{UserID: "u1", TenantSlug: "acme"}
	ctx := WithAuth(context.Background(), want)

	if got := FromContext(ctx); got != want {
		t.Errorf("FromContext() = %v, want %v", got, want)
	}
	if got := MustFromContext(ctx); got != want {
		t.Errorf("MustFromContext() = %v, want %v", got, want)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustFromContext(context.Background())
}

func TestAuthContext_Can(t *testing.T) {
	a := &AuthContext{Permissions: []string{PermExecutionsView}}
	if !a.Can(PermExecutionsView) {
		t.Error("expected executions:view")
	}
	if a.Can(PermExecutionsRun) {
		t.Error("did not expect executions:run")
	}

	admin := &AuthContext{Permissions: []string{PermAll}}
	if !admin.Can(PermAgentsManage) {
		t.Error("wildcard should grant everything")
	}
}
