package permission

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestNewRoleSet(t *testing.T) {
	rs, err := NewRoleSet([]string{"admin", "developer", "viewer"}, "viewer")
	if err != nil {
		t.Fatalf("NewRoleSet failed: %v", err)
	}
	if rs.Default() != "viewer" || rs.Count() != 3 {
		t.Fatalf("unexpected role set: default=%q count=%d", rs.Default(), rs.Count())
	}
	if bit, ok := rs.Bit("developer"); !ok || bit != 1 {
		t.Fatalf("expected developer at bit 1, got %d %v", bit, ok)
	}
	if name, ok := rs.Name(2); !ok || name != "viewer" {
		t.Fatalf("expected viewer at bit 2, got %q %v", name, ok)
	}
	if rs.Has("root") {
		t.Fatal("root must not be a member")
	}

	m, err := rs.Mask("viewer", "admin")
	if err != nil {
		t.Fatalf("Mask failed: %v", err)
	}
	if got := rs.Members(m); !reflect.DeepEqual(got, []string{"admin", "viewer"}) {
		t.Fatalf("unexpected members %v", got)
	}
}

func TestNewRoleSetRejects(t *testing.T) {
	if _, err := NewRoleSet(nil, ""); err == nil {
		t.Fatal("expected empty role set to fail")
	}
	if _, err := NewRoleSet([]string{"a", "a"}, "a"); err == nil {
		t.Fatal("expected duplicate role to fail")
	}
	if _, err := NewRoleSet([]string{"a", " "}, "a"); !errors.Is(err, ErrEmptyRole) {
		t.Fatalf("expected ErrEmptyRole, got %v", err)
	}
	if _, err := NewRoleSet([]string{"a"}, "b"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole for default, got %v", err)
	}

	many := make([]string, MaxRoles+1)
	for i := range many {
		many[i] = fmt.Sprintf("r%d", i)
	}
	if _, err := NewRoleSet(many, "r0"); err == nil {
		t.Fatal("expected role limit to be enforced")
	}
}

func TestMask64Bounds(t *testing.T) {
	var m Mask64
	m.Set(-1)
	m.Set(64)
	if m.Raw() != 0 {
		t.Fatalf("out-of-range bits must be ignored, got %x", m.Raw())
	}
	m.Set(63)
	if !m.Has(63) || m.Has(64) {
		t.Fatal("unexpected bit state")
	}
	m.Clear(63)
	if m.Has(63) {
		t.Fatal("expected bit to be cleared")
	}
}
