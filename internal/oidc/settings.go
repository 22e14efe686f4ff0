package oidc

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"ssokit/cfg"
)

// EndSessionMode is the tri-state RP-initiated logout policy.
type EndSessionMode int

const (
	// EndSessionDiscover uses whatever endpoint discovery returns.
	EndSessionDiscover EndSessionMode = iota
	// EndSessionDisabled turns RP-initiated logout off even when the
	// provider advertises an endpoint.
	EndSessionDisabled
	// EndSessionExplicit uses the configured URL, overriding discovery.
	EndSessionExplicit
)

// EndSession holds the logout endpoint policy and, after the discovery
// merge, the resolved URL when one exists.
type EndSession struct {
	Mode EndSessionMode
	URL  string
}

// Settings is the validated, immutable snapshot of one provider's
// configuration. Built fresh per request; never mutated after Validate.
type Settings struct {
	Issuer                string
	ClientID              string
	ClientSecret          string
	RedirectURI           string
	AuthorizationEndpoint string
	TokenEndpoint         string
	EndSession            EndSession
	JWKSURI               string
	PublicKeys            []crypto.PublicKey
	AdditionalScopes      []string
}

// BuildSettings constructs Settings from the raw configuration. The
// result still needs a discovery merge (when enabled) and Validate.
func BuildSettings(oc *cfg.OIDCConfig) (*Settings, error) {
	s := &Settings{
		Issuer:                oc.Issuer,
		ClientID:              oc.ClientID,
		ClientSecret:          oc.ClientSecret,
		RedirectURI:           oc.RedirectURI,
		AuthorizationEndpoint: oc.AuthorizationEndpoint,
		TokenEndpoint:         oc.TokenEndpoint,
		AdditionalScopes:      splitScopes(oc.AdditionalScopes),
	}

	switch {
	case oc.EndSessionEndpoint == "":
		s.EndSession = EndSession{Mode: EndSessionDiscover}
	case strings.EqualFold(oc.EndSessionEndpoint, "false"):
		s.EndSession = EndSession{Mode: EndSessionDisabled}
	default:
		s.EndSession = EndSession{Mode: EndSessionExplicit, URL: oc.EndSessionEndpoint}
	}

	if oc.JWTPublicKey != "" {
		keys, err := parsePublicKeys(oc.JWTPublicKey)
		if err != nil {
			return nil, &ConfigError{Reason: "jwt public key: " + err.Error()}
		}
		s.PublicKeys = keys
	}

	return s, nil
}

// MergeDiscovery fills endpoints the configuration left empty. Explicit
// configuration always wins, except that a disabled end-session policy
// never picks up a discovered endpoint.
func (s *Settings) MergeDiscovery(doc *DiscoveryDocument) {
	if s.AuthorizationEndpoint == "" {
		s.AuthorizationEndpoint = doc.AuthorizationEndpoint
	}
	if s.TokenEndpoint == "" {
		s.TokenEndpoint = doc.TokenEndpoint
	}
	if s.JWKSURI == "" {
		s.JWKSURI = doc.JWKSURI
	}
	if s.EndSession.Mode == EndSessionDiscover {
		s.EndSession.URL = doc.EndSessionEndpoint
	}
}

// Validate fails with a ConfigError naming every required field still
// empty after the discovery merge.
func (s *Settings) Validate() error {
	var missing []string
	if s.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if s.ClientID == "" {
		missing = append(missing, "client id")
	}
	if s.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if s.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization endpoint")
	}
	if s.TokenEndpoint == "" {
		missing = append(missing, "token endpoint")
	}
	if len(missing) > 0 {
		return &ConfigError{Reason: "missing " + strings.Join(missing, ", ")}
	}
	return nil
}

// EndSessionURL returns the resolved RP-initiated logout endpoint, if
// any. Disabled policy and absent discovery both report false.
func (s *Settings) EndSessionURL() (string, bool) {
	if s.EndSession.Mode == EndSessionDisabled || s.EndSession.URL == "" {
		return "", false
	}
	return s.EndSession.URL, true
}

// KeySet returns the signature verification keys: statically configured
// keys win over the discovered JWKS endpoint.
func (s *Settings) KeySet(ctx context.Context) (gooidc.KeySet, error) {
	if len(s.PublicKeys) > 0 {
		return &gooidc.StaticKeySet{PublicKeys: s.PublicKeys}, nil
	}
	if s.JWKSURI != "" {
		return gooidc.NewRemoteKeySet(ctx, s.JWKSURI), nil
	}
	return nil, &ConfigError{Reason: "no verification keys: configure a jwt public key or enable discovery"}
}

// splitScopes parses the comma separated additional scope list, trimming
// entries and dropping empty ones.
func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	for _, scope := range strings.Split(raw, ",") {
		scope = strings.TrimSpace(scope)
		if scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

func parsePublicKeys(pemText string) ([]crypto.PublicKey, error) {
	var keys []crypto.PublicKey
	rest := []byte(pemText)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			keys = append(keys, cert.PublicKey)
		default:
			key, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse public key: %w", err)
			}
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no PEM blocks found")
	}
	return keys, nil
}
