package rbac

import (
	"regexp"
	"sort"
	"strings"
)

// Wildcard is the action that matches every action on a resource
const Wildcard = "*"

var namePart = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ParsePermissionName splits a dotted name into resource and action. The
// resource may itself be dotted; the action is the last segment.
func ParsePermissionName(name string) (resource, action string, err error) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", invalid("permission", "name must look like resource.action")
	}
	resource, action = name[:i], name[i+1:]
	for _, part := range strings.Split(resource, ".") {
		if !namePart.MatchString(part) {
			return "", "", invalid("permission", "resource segments must be lowercase identifiers")
		}
	}
	if action != Wildcard && !namePart.MatchString(action) {
		return "", "", invalid("permission", "action must be a lowercase identifier or *")
	}
	return resource, action, nil
}

// PermissionSet is a resolved set of permission names
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names
func NewPermissionSet(names ...string) PermissionSet {
	s := make(PermissionSet, len(names))
	s.Add(names...)
	return s
}

// Add inserts names into the set
func (s PermissionSet) Add(names ...string) {
	for _, n := range names {
		if n != "" {
			s[n] = struct{}{}
		}
	}
}

// Has reports whether the set grants name, either exactly or through a
// resource.* wildcard on any dotted prefix of name.
func (s PermissionSet) Has(name string) bool {
	if _, ok := s[name]; ok {
		return true
	}
	for i := len(name) - 1; i > 0; i-- {
		if name[i] != '.' {
			continue
		}
		if _, ok := s[name[:i]+"."+Wildcard]; ok {
			return true
		}
	}
	return false
}

// HasAny reports whether at least one of names is granted
func (s PermissionSet) HasAny(names ...string) bool {
	for _, n := range names {
		if s.Has(n) {
			return true
		}
	}
	return false
}

// HasAll reports whether every one of names is granted. An empty list is
// trivially satisfied.
func (s PermissionSet) HasAll(names ...string) bool {
	for _, n := range names {
		if !s.Has(n) {
			return false
		}
	}
	return true
}

// Names returns the set's members in sorted order
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of names in the set
func (s PermissionSet) Len() int {
	return len(s)
}
