package oidc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// clockSkew is the leeway granted to expiry and issued-at checks to
// tolerate small clock drift between the provider and this service.
const clockSkew = 2 * time.Minute

// IDToken holds a decoded identity token. Parsing only splits the
// structure; nothing may be trusted until Validate succeeds.
type IDToken struct {
	raw    string
	issuer string
	keys   gooidc.KeySet
	header map[string]any
	claims map[string]any
}

// ParseIDToken decodes the token structure without verifying the
// signature.
func ParseIDToken(raw, issuer string, keys gooidc.KeySet) (*IDToken, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, &MalformedTokenError{Reason: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}

	header, err := decodeSegment(parts[0])
	if err != nil {
		return nil, &MalformedTokenError{Reason: "header: " + err.Error()}
	}
	claims, err := decodeSegment(parts[1])
	if err != nil {
		return nil, &MalformedTokenError{Reason: "claims: " + err.Error()}
	}

	return &IDToken{
		raw:    raw,
		issuer: issuer,
		keys:   keys,
		header: header,
		claims: claims,
	}, nil
}

func decodeSegment(segment string) (map[string]any, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(decoded, &m); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return m, nil
}

// Raw returns the token exactly as received.
func (t *IDToken) Raw() string { return t.raw }

// Claim returns a single claim value; the second result reports
// presence.
func (t *IDToken) Claim(name string) (any, bool) {
	v, ok := t.claims[name]
	return v, ok
}

// Claims returns the full claim set.
func (t *IDToken) Claims() map[string]any { return t.claims }

// ReplaceClaims swaps the whole claim set. Only the pre-validation
// rewrite hook uses this; validation runs against the replacement.
func (t *IDToken) ReplaceClaims(claims map[string]any) {
	t.claims = claims
}

// StringClaim returns a claim as a string, reporting absence for
// missing or non-string values.
func (t *IDToken) StringClaim(name string) (string, bool) {
	v, ok := t.claims[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// TimeClaim returns a numeric claim as a unix timestamp.
func (t *IDToken) TimeClaim(name string) (time.Time, bool) {
	v, ok := t.claims[name]
	if !ok {
		return time.Time{}, false
	}
	n, ok := v.(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(n), 0), true
}

// Validate runs the trust checks in a fixed order, failing fast on the
// first violation: signature, issuer, audience, expiry, issued-at.
// Signature goes first so no later check ever reasons over claims from
// an unverified token.
func (t *IDToken) Validate(ctx context.Context, expectedClientID string) error {
	if _, err := t.keys.VerifySignature(ctx, t.raw); err != nil {
		return &InvalidTokenError{Check: "signature", Reason: err.Error()}
	}

	issuer, _ := t.StringClaim("iss")
	if issuer != t.issuer {
		return &InvalidTokenError{Check: "issuer", Reason: fmt.Sprintf("got %q, want %q", issuer, t.issuer)}
	}

	if !t.audienceContains(expectedClientID) {
		return &InvalidTokenError{Check: "audience", Reason: "token not issued for client " + expectedClientID}
	}

	now := time.Now()

	expiry, ok := t.TimeClaim("exp")
	if !ok {
		return &InvalidTokenError{Check: "expiry", Reason: "missing exp claim"}
	}
	if now.After(expiry.Add(clockSkew)) {
		return &InvalidTokenError{Check: "expiry", Reason: "token expired at " + expiry.Format(time.RFC3339)}
	}

	issuedAt, ok := t.TimeClaim("iat")
	if !ok {
		return &InvalidTokenError{Check: "issued-at", Reason: "missing iat claim"}
	}
	if issuedAt.After(now.Add(clockSkew)) {
		return &InvalidTokenError{Check: "issued-at", Reason: "token issued in the future at " + issuedAt.Format(time.RFC3339)}
	}

	return nil
}

// audienceContains handles both the single-string and list forms of the
// aud claim.
func (t *IDToken) audienceContains(clientID string) bool {
	v, ok := t.claims["aud"]
	if !ok {
		return false
	}
	switch aud := v.(type) {
	case string:
		return aud == clientID
	case []any:
		for _, entry := range aud {
			if s, ok := entry.(string); ok && s == clientID {
				return true
			}
		}
	}
	return false
}
