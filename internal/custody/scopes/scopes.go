// Package scopes checks that granted OAuth scopes satisfy a caller's
// required-scope set.
package scopes

import (
	"sort"
	"strings"

	apperrors "github.com/okonek/tokenvault/internal/platform/errors"
)

// Missing returns the required scopes absent from granted, sorted and
// de-duplicated. An empty result means the grant satisfies the requirement.
func Missing(required, granted []string) []string {
	if len(required) == 0 {
		return nil
	}

	have := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		have[strings.TrimSpace(scope)] = struct{}{}
	}

	seen := make(map[string]struct{}, len(required))
	var missing []string
	for _, scope := range required {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, ok := have[scope]; ok {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		missing = append(missing, scope)
	}
	sort.Strings(missing)
	return missing
}

// Validate returns an insufficient-scopes error naming the missing scopes
// when granted does not cover required.
func Validate(required, granted []string) error {
	missing := Missing(required, granted)
	if len(missing) == 0 {
		return nil
	}
	return apperrors.WithMetadata(apperrors.CodeInsufficientScopes,
		"granted scopes do not satisfy required scopes",
		map[string]string{"missing_scopes": strings.Join(missing, " ")})
}
