package membersync

import (
	"strings"
	"unicode"
)

const (
	DefaultRootGroup        = "uw_groups"
	DefaultManagedNamespace = "u_edms"
)

type IgnorePolicy struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewIgnorePolicy parses comma separated group ids and prefixes. Whitespace
// is stripped, matching is case-insensitive and empty entries are dropped.
func NewIgnorePolicy(groups, prefixes string) IgnorePolicy {
	p := IgnorePolicy{exact: map[string]struct{}{}}
	for _, id := range splitList(groups) {
		p.exact[id] = struct{}{}
	}
	p.prefixes = splitList(prefixes)
	return p
}

func (p IgnorePolicy) Ignored(groupID string) bool {
	id := strings.ToLower(strings.TrimSpace(groupID))
	if id == "" {
		return false
	}
	if _, ok := p.exact[id]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

func splitList(raw string) []string {
	raw = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	out := []string{}
	for _, item := range strings.Split(strings.ToLower(raw), ",") {
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Namespace decides which target groups this service owns. Removals only
// happen inside it; groups outside are add-only.
type Namespace struct {
	prefix string
}

func NewNamespace(prefix string) Namespace {
	return Namespace{prefix: strings.TrimSpace(prefix)}
}

func (n Namespace) Managed(groupID string) bool {
	if n.prefix == "" {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(groupID), n.prefix)
}

func (n Namespace) Prefix() string {
	return n.prefix
}
