package identity

import "sort"

// NormalizeScopes dedupes and sorts a scope list. A nil or empty input
// normalises to an empty, non-nil slice.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if sc == "" {
			continue
		}
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}

// ScopesCover reports whether every scope in requested is granted by
// granted. A wildcard grant covers everything; a wildcard request is
// only covered by a wildcard grant.
func ScopesCover(granted, requested []string) bool {
	grantedSet := make(map[string]struct{}, len(granted))
	wildcard := false
	for _, sc := range granted {
		if sc == WildcardScope {
			wildcard = true
		}
		grantedSet[sc] = struct{}{}
	}
	for _, sc := range requested {
		if wildcard {
			continue
		}
		if _, ok := grantedSet[sc]; !ok {
			return false
		}
	}
	return true
}

// IntersectScopes returns the scopes present in both lists. A wildcard
// on one side yields the other side unchanged; a wildcard on both
// yields the wildcard itself.
func IntersectScopes(a, b []string) []string {
	if containsWildcard(a) {
		return NormalizeScopes(b)
	}
	if containsWildcard(b) {
		return NormalizeScopes(a)
	}
	set := make(map[string]struct{}, len(a))
	for _, sc := range a {
		set[sc] = struct{}{}
	}
	var out []string
	for _, sc := range b {
		if _, ok := set[sc]; ok {
			out = append(out, sc)
		}
	}
	return NormalizeScopes(out)
}

// HasScope reports whether granted covers the single scope, honouring
// the wildcard.
func HasScope(granted []string, scope string) bool {
	for _, sc := range granted {
		if sc == WildcardScope || sc == scope {
			return true
		}
	}
	return false
}

func containsWildcard(scopes []string) bool {
	for _, sc := range scopes {
		if sc == WildcardScope {
			return true
		}
	}
	return false
}
