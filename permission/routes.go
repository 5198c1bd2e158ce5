package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// AnyMethod in a Rule matches every method the route does not list explicitly.
const AnyMethod = "*"

var ErrInvalidPattern = errors.New("invalid route pattern")

// Rule grants Roles access to Method on Pattern. Placeholder segments are
// written ":name" or "{name}" and match exactly one non-empty path segment.
type Rule struct {
	Pattern string   `yaml:"pattern" json:"pattern"`
	Method  string   `yaml:"method" json:"method"`
	Roles   []string `yaml:"roles" json:"roles"`
}

// Reason explains a Decision.
type Reason string

const (
	ReasonAllowed          Reason = "allowed"
	ReasonUnknownRole      Reason = "unknown_role"
	ReasonNoRoute          Reason = "no_route"
	ReasonMethodNotAllowed Reason = "method_not_allowed"
	ReasonRoleNotPermitted Reason = "role_not_permitted"
)

// Decision is the outcome of a route lookup. Pattern is empty when no route matched.
type Decision struct {
	Allowed bool
	Pattern string
	Reason  Reason
}

type segment struct {
	literal string
	param   bool
}

type route struct {
	pattern  string
	segments []segment
	methods  map[string]Mask64
}

// RouteTable is an immutable, precompiled route-permission table. Routes are
// kept most-specific-first: among patterns with the same segment count, a
// literal segment sorts before a placeholder at the first position where the
// two differ, and ties keep registration order. The first matching route is
// decisive.
type RouteTable struct {
	roles  *RoleSet
	routes []route
}

// Compile validates rules against roles and builds the lookup table.
func Compile(roles *RoleSet, rules []Rule) (*RouteTable, error) {
	if roles == nil {
		return nil, errors.New("role set is nil")
	}

	byPattern := make(map[string]int, len(rules))
	var routes []route
	for i, rule := range rules {
		segs, canonical, err := parsePattern(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		method := strings.ToUpper(strings.TrimSpace(rule.Method))
		if method == "" {
			return nil, fmt.Errorf("rule %d: method is empty", i)
		}
		mask, err := roles.Mask(rule.Roles...)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}

		idx, seen := byPattern[canonical]
		if !seen {
			idx = len(routes)
			byPattern[canonical] = idx
			routes = append(routes, route{
				pattern:  rule.Pattern,
				segments: segs,
				methods:  make(map[string]Mask64),
			})
		}
		if _, dup := routes[idx].methods[method]; dup {
			return nil, fmt.Errorf("rule %d: duplicate route %s %s", i, method, rule.Pattern)
		}
		routes[idx].methods[method] = mask
	}

	sort.SliceStable(routes, func(a, b int) bool {
		return moreSpecific(routes[a].segments, routes[b].segments)
	})

	return &RouteTable{roles: roles, routes: routes}, nil
}

// Authorize reports whether role may call method on path. It never panics and
// has no side effects; a nil table denies everything.
func (t *RouteTable) Authorize(role, path, method string) bool {
	return t.Decide(role, path, method).Allowed
}

// Decide is Authorize with the reason attached.
func (t *RouteTable) Decide(role, path, method string) Decision {
	if t == nil {
		return Decision{Reason: ReasonNoRoute}
	}
	bit, ok := t.roles.Bit(role)
	if !ok {
		return Decision{Reason: ReasonUnknownRole}
	}

	r := t.match(path)
	if r == nil {
		return Decision{Reason: ReasonNoRoute}
	}

	mask, ok := r.methods[strings.ToUpper(method)]
	if !ok {
		mask, ok = r.methods[AnyMethod]
	}
	if !ok {
		return Decision{Pattern: r.pattern, Reason: ReasonMethodNotAllowed}
	}
	if !mask.Has(bit) {
		return Decision{Pattern: r.pattern, Reason: ReasonRoleNotPermitted}
	}
	return Decision{Allowed: true, Pattern: r.pattern, Reason: ReasonAllowed}
}

// Roles returns the role set the table was compiled against.
func (t *RouteTable) Roles() *RoleSet { return t.roles }

// Patterns lists route patterns in match order.
func (t *RouteTable) Patterns() []string {
	out := make([]string, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.pattern
	}
	return out
}

func (t *RouteTable) match(path string) *route {
	parts, ok := splitPath(path)
	if !ok {
		return nil
	}
	for i := range t.routes {
		if matches(t.routes[i].segments, parts) {
			return &t.routes[i]
		}
	}
	return nil
}

func matches(segs []segment, parts []string) bool {
	if len(segs) != len(parts) {
		return false
	}
	for i, s := range segs {
		if s.param {
			if parts[i] == "" {
				return false
			}
			continue
		}
		if s.literal != parts[i] {
			return false
		}
	}
	return true
}

func moreSpecific(a, b []segment) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	for i := range a {
		if a[i].param != b[i].param {
			return !a[i].param
		}
	}
	return false
}

// splitPath drops the query and fragment and one trailing slash.
func splitPath(path string) ([]string, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		return nil, false
	}
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return []string{}, true
	}
	return strings.Split(path, "/"), true
}

func parsePattern(pattern string) ([]segment, string, error) {
	if !strings.HasPrefix(pattern, "/") || strings.ContainsAny(pattern, "?#") {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(pattern, "/"), "/")
	if trimmed == "" {
		return []segment{}, "/", nil
	}

	parts := strings.Split(trimmed, "/")
	segs := make([]segment, len(parts))
	canon := make([]string, len(parts))
	for i, p := range parts {
		switch {
		case p == "":
			return nil, "", fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)
		case strings.HasPrefix(p, ":"):
			if len(p) == 1 {
				return nil, "", fmt.Errorf("%w: unnamed placeholder in %q", ErrInvalidPattern, pattern)
			}
			segs[i] = segment{param: true}
			canon[i] = ":"
		case strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}"):
			if len(p) <= 2 {
				return nil, "", fmt.Errorf("%w: unnamed placeholder in %q", ErrInvalidPattern, pattern)
			}
			segs[i] = segment{param: true}
			canon[i] = ":"
		case strings.ContainsAny(p, "{}"):
			return nil, "", fmt.Errorf("%w: stray brace in %q", ErrInvalidPattern, pattern)
		default:
			segs[i] = segment{literal: p}
			canon[i] = p
		}
	}
	return segs, "/" + strings.Join(canon, "/"), nil
}
