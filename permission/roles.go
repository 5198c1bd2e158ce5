package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MaxRoles is the capacity of a RoleSet.
const MaxRoles = 64

var (
	ErrUnknownRole = errors.New("unknown role")
	ErrEmptyRole   = errors.New("role name cannot be empty")
)

// RoleSet is the closed enumeration of roles. Each role owns one bit; the
// set is immutable once built and safe for concurrent reads.
type RoleSet struct {
	nameToBit   map[string]int
	bitToName   []string
	defaultRole string
}

// NewRoleSet assigns bits to names in order. defaultRole must be one of names.
func NewRoleSet(names []string, defaultRole string) (*RoleSet, error) {
	if len(names) == 0 {
		return nil, errors.New("role set cannot be empty")
	}
	if len(names) > MaxRoles {
		return nil, fmt.Errorf("role limit exceeded (%d > %d)", len(names), MaxRoles)
	}

	rs := &RoleSet{
		nameToBit: make(map[string]int, len(names)),
		bitToName: make([]string, 0, len(names)),
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, ErrEmptyRole
		}
		if _, exists := rs.nameToBit[name]; exists {
			return nil, fmt.Errorf("role %q already registered", name)
		}
		rs.nameToBit[name] = len(rs.bitToName)
		rs.bitToName = append(rs.bitToName, name)
	}

	if _, ok := rs.nameToBit[defaultRole]; !ok {
		return nil, fmt.Errorf("%w: default role %q", ErrUnknownRole, defaultRole)
	}
	rs.defaultRole = defaultRole
	return rs, nil
}

// Bit returns the bit index for the named role, or false if it is not a member.
func (r *RoleSet) Bit(name string) (int, bool) {
	if r == nil {
		return -1, false
	}
	bit, ok := r.nameToBit[name]
	return bit, ok
}

// Name returns the role that owns bit, or false if unassigned.
func (r *RoleSet) Name(bit int) (string, bool) {
	if r == nil || bit < 0 || bit >= len(r.bitToName) {
		return "", false
	}
	return r.bitToName[bit], true
}

func (r *RoleSet) Has(name string) bool {
	_, ok := r.Bit(name)
	return ok
}

// Default is the role assigned at registration.
func (r *RoleSet) Default() string { return r.defaultRole }

func (r *RoleSet) Count() int { return len(r.bitToName) }

// Names returns the roles in bit order.
func (r *RoleSet) Names() []string {
	out := make([]string, len(r.bitToName))
	copy(out, r.bitToName)
	return out
}

// Mask builds the bitmask for names; any name outside the set is an error.
func (r *RoleSet) Mask(names ...string) (Mask64, error) {
	var m Mask64
	for _, name := range names {
		bit, ok := r.Bit(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownRole, name)
		}
		m.Set(bit)
	}
	return m, nil
}

// Members expands a mask back into role names, sorted.
func (r *RoleSet) Members(m Mask64) []string {
	var out []string
	for bit, name := range r.bitToName {
		if m.Has(bit) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
