// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

// DefaultRedirectPath is used when no role-specific path applies.
const DefaultRedirectPath = "/dashboard"

// RedirectPaths maps user roles to their post-login path.
type RedirectPaths struct {
	Default string
	Roles   map[string]string
}

// DefaultRedirectPaths returns the stock role map.
func DefaultRedirectPaths() RedirectPaths {
	return RedirectPaths{
		Default: DefaultRedirectPath,
		Roles: map[string]string{
			"admin":   "/admin/dashboard",
			"manager": "/manager/dashboard",
			"user":    "/user/dashboard",
		},
	}
}

// Resolve returns the path for role, falling back to Default.
func (p RedirectPaths) Resolve(role string) string {
	if path, ok := p.Roles[role]; ok && role != "" && path != "" {
		return path
	}
	if p.Default == "" {
		return DefaultRedirectPath
	}
	return p.Default
}
