package docstore

import (
	"context"
	"strings"
)

// Permission is an access rule such as read("any") or update("user:42").
type Permission string

type Role string

const (
	RoleAny   Role = "any"
	RoleUsers Role = "users"
)

func RoleUser(id string) Role {
	return Role("user:" + id)
}

const (
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

func Read(r Role) Permission   { return newPermission(ActionRead, r) }
func Update(r Role) Permission { return newPermission(ActionUpdate, r) }
func Delete(r Role) Permission { return newPermission(ActionDelete, r) }

func newPermission(action string, r Role) Permission {
	return Permission(action + `("` + string(r) + `")`)
}

// Parse splits a permission into its action and role.
func (p Permission) Parse() (action string, role Role, ok bool) {
	s := string(p)
	open := strings.Index(s, `("`)
	if open <= 0 || !strings.HasSuffix(s, `")`) {
		return "", "", false
	}
	return s[:open], Role(s[open+2 : len(s)-2]), true
}

// Valid reports whether every permission has a known action.
func Valid(perms []Permission) bool {
	for _, p := range perms {
		action, role, ok := p.Parse()
		if !ok || role == "" {
			return false
		}
		switch action {
		case ActionRead, ActionUpdate, ActionDelete:
		default:
			return false
		}
	}
	return true
}

// Allowed reports whether callerID may perform action under perms.
func Allowed(perms []Permission, action, callerID string) bool {
	for _, p := range perms {
		a, role, ok := p.Parse()
		if !ok || a != action {
			continue
		}
		switch {
		case role == RoleAny:
			return true
		case role == RoleUsers && callerID != "":
			return true
		case callerID != "" && role == RoleUser(callerID):
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller marks ctx as acting on behalf of an authenticated user.
// Stores enforce update and delete permissions only for such contexts.
func WithCaller(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

func CallerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey{}).(string)
	return id, ok && id != ""
}

// Authorize checks a write against the caller carried in ctx.
func Authorize(ctx context.Context, doc Document, action string) error {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return nil
	}
	if !Allowed(doc.Permissions, action, caller) {
		return ErrPermissionDenied
	}
	return nil
}

// Readable reports whether the caller in ctx may see doc.
func Readable(ctx context.Context, doc Document) bool {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return true
	}
	return Allowed(doc.Permissions, ActionRead, caller)
}
