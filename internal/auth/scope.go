package auth

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Scope grants
const (
	ScopeAdmin      = "admin"
	ScopePublishAll = "publish:all"
	ScopeReadAll    = "read:all"

	// ScopePublishPkgPrefix is followed by a package name
	ScopePublishPkgPrefix = "publish:pkg:"
)

// Action is something a credential may be asked to do
type Action int

const (
	ActionRead Action = iota
	ActionPublish
	ActionAdmin
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionPublish:
		return "publish"
	case ActionAdmin:
		return "admin"
	}
	return "unknown"
}

// Decision is the result of an authorization check
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

var packageNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// MaxPackageNameLength bounds package names
const MaxPackageNameLength = 64

// ValidPackageName reports whether name is a legal package name: lowercase
// letters, digits and underscores, not starting with a digit.
func ValidPackageName(name string) bool {
	return len(name) <= MaxPackageNameLength && packageNamePattern.MatchString(name)
}

// ValidateScope rejects anything that is not one of the known scope forms
func ValidateScope(scope string) error {
	switch scope {
	case ScopeAdmin, ScopePublishAll, ScopeReadAll:
		return nil
	}
	if name, ok := strings.CutPrefix(scope, ScopePublishPkgPrefix); ok {
		if !ValidPackageName(name) {
			return fmt.Errorf("invalid package name in scope %q", scope)
		}
		return nil
	}
	return fmt.Errorf("unknown scope %q", scope)
}

// ParseScopes splits a stored comma-joined scope list
func ParseScopes(s string) []string {
	var scopes []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			scopes = append(scopes, part)
		}
	}
	return scopes
}

// JoinScopes validates, de-duplicates and joins scopes for storage
func JoinScopes(scopes []string) (string, error) {
	if len(scopes) == 0 {
		return "", fmt.Errorf("at least one scope is required")
	}
	seen := make(map[string]bool, len(scopes))
	var out []string
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if err := ValidateScope(s); err != nil {
			return "", err
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ","), nil
}

// Authorize decides whether scopes permit action on target. target is the
// package name for publish and ignored otherwise. Only admin implies other
// scopes; publish:pkg:<name> matches the exact name only.
func Authorize(scopes []string, action Action, target string) Decision {
	for _, s := range scopes {
		if s == ScopeAdmin {
			return Allow
		}
		switch action {
		case ActionPublish:
			if s == ScopePublishAll {
				return Allow
			}
			if name, ok := strings.CutPrefix(s, ScopePublishPkgPrefix); ok && target != "" && name == target {
				return Allow
			}
		case ActionRead:
			if s == ScopeReadAll {
				return Allow
			}
		}
	}
	return Deny
}

// CanPublishAny reports whether scopes can publish at least one package
func CanPublishAny(scopes []string) bool {
	for _, s := range scopes {
		if s == ScopeAdmin || s == ScopePublishAll || strings.HasPrefix(s, ScopePublishPkgPrefix) {
			return true
		}
	}
	return false
}
