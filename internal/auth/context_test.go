package auth

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("empty context must not carry a principal")
	}
	ctx = ContextWithPrincipal(ctx, Principal{Identity: Identity{UserID: "user-7", Roles: []Role{RoleTrainer}}})

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	p, _ := PrincipalFromContext(ctx)
	if !p.HasRole(RoleTrainer) || p.HasRole(RoleAdmin) {
		t.Fatalf("unexpected roles %v", p.Roles)
	}
}
