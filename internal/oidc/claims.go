package oidc

import (
	"strings"

	"ssokit/cfg"
)

// Identity is the normalized user record extracted from a validated
// token. Field requirements (non-empty external id and email) are
// enforced by the login flow, not here; extraction stays total.
type Identity struct {
	ExternalID string
	Email      string
	Name       string
	Groups     []string
}

// ClaimMapper derives an Identity from token claims using the
// configured claim-name mappings.
type ClaimMapper struct {
	displayNameClaims []string
	groupsClaim       string
	externalIDClaim   string
}

func NewClaimMapper(oc *cfg.OIDCConfig) *ClaimMapper {
	externalIDClaim := oc.ExternalIDClaim
	if externalIDClaim == "" {
		externalIDClaim = "sub"
	}
	return &ClaimMapper{
		displayNameClaims: splitPipeList(oc.DisplayNameClaims),
		groupsClaim:       oc.GroupsClaim,
		externalIDClaim:   externalIDClaim,
	}
}

// DisplayName joins the configured claims in order with single spaces.
// All present non-empty values contribute; when none match, the
// fallback wins.
func (m *ClaimMapper) DisplayName(t *IDToken, fallback string) string {
	var parts []string
	for _, name := range m.displayNameClaims {
		if value, ok := t.StringClaim(name); ok && value != "" {
			parts = append(parts, value)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, " ")
}

// Groups resolves the configured (possibly dot-nested) group claim.
// A missing path or a non-list value yields an empty list; non-string
// entries are dropped silently, order preserved.
func (m *ClaimMapper) Groups(t *IDToken) []string {
	if m.groupsClaim == "" {
		return nil
	}

	value := lookupPath(t.Claims(), m.groupsClaim)
	list, ok := value.([]any)
	if !ok {
		return nil
	}

	var groups []string
	for _, entry := range list {
		if s, ok := entry.(string); ok {
			groups = append(groups, s)
		}
	}
	return groups
}

// Identity composes the normalized record from the token claims.
func (m *ClaimMapper) Identity(t *IDToken) *Identity {
	externalID, _ := t.StringClaim(m.externalIDClaim)
	email, _ := t.StringClaim("email")

	return &Identity{
		ExternalID: externalID,
		Email:      email,
		Name:       m.DisplayName(t, externalID),
		Groups:     m.Groups(t),
	}
}

// lookupPath walks dot-separated segments through nested claim maps,
// returning nil on the first miss.
func lookupPath(claims map[string]any, path string) any {
	segments := strings.Split(path, ".")
	var current any = claims
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}

func splitPipeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var names []string
	for _, name := range strings.Split(raw, "|") {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
