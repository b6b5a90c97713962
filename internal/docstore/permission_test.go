package docstore

import (
	"context"
	"errors"
	"testing"
)

func TestPermissions(t *testing.T) {
	perms := []Permission{Read(RoleAny), Update(RoleUser("u1")), Delete(RoleUser("u1"))}

	if string(perms[1]) != `update("user:u1")` {
		t.Fatalf("unexpected permission string %q", perms[1])
	}
	if !Valid(perms) {
		t.Fatal("permissions should be valid")
	}
	if Valid([]Permission{"write(any)"}) {
		t.Error("unknown permission should be invalid")
	}

	tests := []struct {
		name   string
		action string
		caller string
		want   bool
	}{
		{"anyone reads", ActionRead, "", true},
		{"author updates", ActionUpdate, "u1", true},
		{"stranger updates", ActionUpdate, "u2", false},
		{"anonymous deletes", ActionDelete, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(perms, tt.action, tt.caller); got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}

	if !Allowed([]Permission{Update(RoleUsers)}, ActionUpdate, "anyone") {
		t.Error("users role should admit any authenticated caller")
	}
}

func TestAuthorize(t *testing.T) {
	doc := Document{Permissions: []Permission{Delete(RoleUser("u1"))}}

	if err := Authorize(context.Background(), doc, ActionDelete); err != nil {
		t.Errorf("no caller should bypass checks, got %v", err)
	}
	if err := Authorize(WithCaller(context.Background(), "u1"), doc, ActionDelete); err != nil {
		t.Errorf("owner should be allowed, got %v", err)
	}
	err := Authorize(WithCaller(context.Background(), "u2"), doc, ActionDelete)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
}
