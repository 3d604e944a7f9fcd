package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestParsePrincipals(t *testing.T) {
	raw := `{'identifier':'a@example.com','principalType':'User','access':'Admin'}|` +
		`{"identifier":"group-1","principalType":"Group","access":"Viewer"}|` +
		`{'identifier':'A@example.com','principalType':'User','access':'admin'}`

	got, err := ParsePrincipals(raw)
	if err != nil {
		t.Fatalf("failed to parse principals: %v", err)
	}
	want := []Principal{
		{Identifier: "a@example.com", PrincipalType: "User", Access: "Admin"},
		{Identifier: "group-1", PrincipalType: "Group", Access: "Viewer"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}

	if empty, err := ParsePrincipals("  "); err != nil || empty != nil {
		t.Errorf("expected nothing for blank input, got %v %v", empty, err)
	}
}

func TestParsePrincipalsErrors(t *testing.T) {
	for name, raw := range map[string]string{
		"conflicting access": `{'identifier':'a','principalType':'User','access':'Admin'}|{'identifier':'a','principalType':'User','access':'Viewer'}`,
		"missing access":     `{'identifier':'a','principalType':'User'}`,
		"not json":           `identifier=a`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePrincipals(raw); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDiffAccess(t *testing.T) {
	desired := []Principal{
		{Identifier: "new@example.com", PrincipalType: "User", Access: "Contributor"},
		{Identifier: "same@example.com", PrincipalType: "User", Access: "viewer"},
		{Identifier: "changed@example.com", PrincipalType: "User", Access: "Admin"},
	}
	current := []Principal{
		{Identifier: "SAME@example.com", PrincipalType: "User", Access: "Viewer"},
		{Identifier: "changed@example.com", PrincipalType: "User", Access: "Viewer"},
		{Identifier: "z-old", PrincipalType: "ServicePrincipal", Access: "Member"},
		{Identifier: "a-old", PrincipalType: "Group", Access: "Viewer"},
	}

	got := DiffAccess(desired, current)
	want := []AccessOperation{
		{Operation: AccessOpAdd, Identifier: "new@example.com", PrincipalType: "User", Access: "Contributor"},
		{Operation: AccessOpUpdate, Identifier: "changed@example.com", PrincipalType: "User", Access: "Admin"},
		{Operation: AccessOpRemove, Identifier: "a-old", PrincipalType: "Group"},
		{Operation: AccessOpRemove, Identifier: "z-old", PrincipalType: "ServicePrincipal"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestAccessSync(t *testing.T) {
	api := newFakePlatform()
	wsID := api.addWorkspace("analytics-dev")
	api.users[wsID] = []Principal{{Identifier: "a", PrincipalType: "User", Access: "Admin"}}
	ws := WorkspaceHandle{Name: "analytics-dev", ID: wsID}
	s := NewAccessSynchronizer(api, testRetry(newFakeClock()), testLogger)

	ops, err := s.Sync(context.Background(), ws, []Principal{{Identifier: "a", PrincipalType: "User", Access: "Admin"}})
	if err != nil {
		t.Fatalf("failed to sync access: %v", err)
	}
	if len(ops) != 0 || len(api.bulkOps) != 0 {
		t.Errorf("expected no bulk call when membership matches, got %v", api.bulkOps)
	}

	ops, err = s.Sync(context.Background(), ws, []Principal{{Identifier: "b", PrincipalType: "Group", Access: "Viewer"}})
	if err != nil {
		t.Fatalf("failed to sync access: %v", err)
	}
	if len(ops) != 2 || len(api.bulkOps) != 1 {
		t.Errorf("expected one bulk call with add and remove, got %v", api.bulkOps)
	}
}
