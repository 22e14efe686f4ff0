package oidc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"ssokit/cfg"
	"ssokit/pkg/cache"
	"ssokit/pkg/logger"
)

// AuthMethod tags sessions established through this flow.
const AuthMethod = "oidc"

// Session keys for the per-attempt flow state. The verifier and the raw
// ID token are written by one step and consumed exactly once by a later
// one.
const (
	sessionKeyVerifier = "oidc.pkce_verifier"
	sessionKeyState    = "oidc.state"
	sessionKeyIDToken  = "oidc.id_token"
)

// User is the resolved local account.
type User struct {
	ID         int64
	Name       string
	Email      string
	ExternalID string
}

// Session is the caller's per-user-agent key/value storage. Pull must
// read and delete atomically.
type Session interface {
	Put(key, value string)
	Pull(key string) string
	Get(key string) string
}

// Registrar resolves local accounts for authenticated identities.
type Registrar interface {
	FindByExternalID(ctx context.Context, externalID string) (*User, error)
	FindOrRegister(ctx context.Context, name, email, externalID string) (*User, error)
}

// GroupSyncer reconciles local group membership with the groups the
// provider reported. detachExisting removes membership in groups absent
// from the list.
type GroupSyncer interface {
	SyncUserGroups(ctx context.Context, user *User, groups []string, detachExisting bool) error
}

// LoginManager establishes and tears down the local authenticated
// session. Logout returns the local post-logout redirect URL.
type LoginManager interface {
	Authenticated(sess Session) bool
	Login(ctx context.Context, sess Session, user *User, method string) error
	Logout(ctx context.Context, sess Session) string
}

// ClaimRewriter is the optional pre-validation extension point. It may
// return a replacement claim set or nil for no change. Validation runs
// against whatever it returns, so this is a privileged hook, never
// user-controlled input.
type ClaimRewriter interface {
	RewriteClaims(claims map[string]any, token *TokenSet) map[string]any
}

// Deps are the external collaborators the login flow coordinates with.
type Deps struct {
	HTTPClient *http.Client
	Cache      cache.Cache
	Registrar  Registrar
	Groups     GroupSyncer
	Logins     LoginManager
	Rewriter   ClaimRewriter // optional
	Logger     logger.Client
}

// Service sequences the authorization-code flow: Login builds the
// redirect, CompleteLogin turns the returned code into an authenticated
// local session, Logout produces the RP-initiated logout redirect.
type Service struct {
	oidcCfg    *cfg.OIDCConfig
	discoverer *Discoverer
	oauth      *OAuthProvider
	mapper     *ClaimMapper
	registrar  Registrar
	groups     GroupSyncer
	logins     LoginManager
	rewriter   ClaimRewriter
	logger     logger.Client
}

func NewService(conf *cfg.Config, deps Deps) *Service {
	return &Service{
		oidcCfg:    &conf.OIDC,
		discoverer: NewDiscoverer(deps.HTTPClient, deps.Cache, conf.DiscoveryTTLMinutes, deps.Logger),
		oauth:      NewOAuthProvider(deps.HTTPClient),
		mapper:     NewClaimMapper(&conf.OIDC),
		registrar:  deps.Registrar,
		groups:     deps.Groups,
		logins:     deps.Logins,
		rewriter:   deps.Rewriter,
		logger:     deps.Logger,
	}
}

// resolveSettings builds a fresh settings snapshot, merging discovery
// when enabled. Each operation resolves independently; only the shared
// cache keeps repeat discovery off the network.
func (s *Service) resolveSettings(ctx context.Context) (*Settings, error) {
	settings, err := BuildSettings(s.oidcCfg)
	if err != nil {
		return nil, err
	}
	if s.oidcCfg.Discover {
		doc, err := s.discoverer.Discover(ctx, settings.Issuer)
		if err != nil {
			return nil, err
		}
		settings.MergeDiscovery(doc)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Login starts a fresh attempt: it builds the authorization URL and
// stashes the PKCE verifier in the caller's session. The caller stores
// the state nonce and redirects the user to the returned URL.
func (s *Service) Login(ctx context.Context, sess Session) (*AuthRequest, error) {
	settings, err := s.resolveSettings(ctx)
	if err != nil {
		return nil, err
	}

	req, err := s.oauth.AuthCodeURL(settings)
	if err != nil {
		return nil, err
	}

	sess.Put(sessionKeyVerifier, req.Verifier)
	s.logger.Debug("authorization redirect built", logger.Field{Key: "issuer", Value: settings.Issuer})

	return req, nil
}

// CompleteLogin exchanges the authorization code, validates the ID
// token, and resolves the local account. Every failure is fatal for the
// attempt; the caller restarts from Login.
func (s *Service) CompleteLogin(ctx context.Context, sess Session, code string) (*User, error) {
	settings, err := s.resolveSettings(ctx)
	if err != nil {
		return nil, err
	}

	// Single consumption: a replayed callback finds no verifier. An
	// empty verifier is passed through to tolerate non-PKCE flows.
	verifier := sess.Pull(sessionKeyVerifier)

	token, err := s.oauth.Exchange(ctx, settings, code, verifier)
	if err != nil {
		return nil, err
	}
	if token.IDToken == "" {
		return nil, &FlowError{Reason: "no id_token in token response"}
	}

	keys, err := settings.KeySet(ctx)
	if err != nil {
		return nil, err
	}

	idToken, err := ParseIDToken(token.IDToken, settings.Issuer, keys)
	if err != nil {
		return nil, err
	}

	// Kept for the eventual RP-initiated logout.
	sess.Put(sessionKeyIDToken, token.IDToken)

	if s.rewriter != nil {
		if replaced := s.rewriter.RewriteClaims(idToken.Claims(), token); replaced != nil {
			idToken.ReplaceClaims(replaced)
		}
	}

	if s.oidcCfg.DumpUserDetails {
		// Debug escape hatch: surface the claim set and stop the flow.
		return nil, &FlowError{Reason: fmt.Sprintf("user details dump: %v", idToken.Claims())}
	}

	if err := idToken.Validate(ctx, settings.ClientID); err != nil {
		return nil, &FlowError{Reason: "token validation failed", Err: err}
	}

	identity := s.mapper.Identity(idToken)
	if identity.Email == "" {
		return nil, &FlowError{Reason: "no email address"}
	}
	if identity.ExternalID == "" {
		return nil, &FlowError{Reason: "no external id"}
	}

	if s.logins.Authenticated(sess) {
		return nil, &FlowError{Reason: "already logged in"}
	}

	user, err := s.resolveUser(ctx, identity)
	if err != nil {
		return nil, err
	}

	if s.oidcCfg.UserToGroups {
		if err := s.groups.SyncUserGroups(ctx, user, identity.Groups, s.oidcCfg.RemoveFromGroups); err != nil {
			return nil, &FlowError{Reason: "group sync failed", Err: err}
		}
	}

	if err := s.logins.Login(ctx, sess, user, AuthMethod); err != nil {
		return nil, &FlowError{Reason: "login failed", Err: err}
	}

	s.logger.Info("user authenticated",
		logger.Field{Key: "external_id", Value: user.ExternalID},
		logger.Field{Key: "method", Value: AuthMethod},
	)

	return user, nil
}

func (s *Service) resolveUser(ctx context.Context, identity *Identity) (*User, error) {
	if !s.oidcCfg.AutoRegister {
		user, err := s.registrar.FindByExternalID(ctx, identity.ExternalID)
		if err != nil {
			return nil, &RegistrationError{Err: err}
		}
		return user, nil
	}

	user, err := s.registrar.FindOrRegister(ctx, identity.Name, identity.Email, identity.ExternalID)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	return user, nil
}

// Logout clears the local session and returns the redirect target. It
// never fails: without a usable end-session endpoint it degrades to the
// local post-logout URL.
func (s *Service) Logout(ctx context.Context, sess Session) string {
	rawIDToken := sess.Pull(sessionKeyIDToken)
	localURL := s.logins.Logout(ctx, sess)

	settings, err := s.resolveSettings(ctx)
	if err != nil {
		s.logger.Warn("settings unavailable during logout, using local redirect",
			logger.Field{Key: "err", Value: err})
		return localURL
	}

	endpoint, ok := settings.EndSessionURL()
	if !ok {
		return localURL
	}

	joiner := "?"
	if strings.Contains(endpoint, "?") {
		joiner = "&"
	}

	params := url.Values{}
	params.Set("id_token_hint", rawIDToken)
	params.Set("post_logout_redirect_uri", localURL)

	return endpoint + joiner + params.Encode()
}
