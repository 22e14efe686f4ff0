package oidc

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssokit/cfg"
	"ssokit/pkg/cache"
)

type fakeSession struct {
	values map[string]string
}

func newFakeSession() *fakeSession {
	return &fakeSession{values: make(map[string]string)}
}

func (s *fakeSession) Put(key, value string) { s.values[key] = value }

func (s *fakeSession) Pull(key string) string {
	value := s.values[key]
	delete(s.values, key)
	return value
}

func (s *fakeSession) Get(key string) string { return s.values[key] }

type fakeRegistrar struct {
	findCalls      int
	registerCalls  int
	user           *User
	findErr        error
	registerErr    error
	lastName       string
	lastEmail      string
	lastExternalID string
}

func (r *fakeRegistrar) FindByExternalID(_ context.Context, externalID string) (*User, error) {
	r.findCalls++
	r.lastExternalID = externalID
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.user, nil
}

func (r *fakeRegistrar) FindOrRegister(_ context.Context, name, email, externalID string) (*User, error) {
	r.registerCalls++
	r.lastName = name
	r.lastEmail = email
	r.lastExternalID = externalID
	if r.registerErr != nil {
		return nil, r.registerErr
	}
	return &User{ID: 1, Name: name, Email: email, ExternalID: externalID}, nil
}

type fakeGroups struct {
	calls      int
	lastGroups []string
	lastDetach bool
	err        error
}

func (g *fakeGroups) SyncUserGroups(_ context.Context, _ *User, groups []string, detachExisting bool) error {
	g.calls++
	g.lastGroups = groups
	g.lastDetach = detachExisting
	return g.err
}

type fakeLogins struct {
	authenticated bool
	loginCalls    int
	lastMethod    string
	logoutCalls   int
	localURL      string
}

func (l *fakeLogins) Authenticated(_ Session) bool { return l.authenticated }

func (l *fakeLogins) Login(_ context.Context, _ Session, _ *User, method string) error {
	l.loginCalls++
	l.lastMethod = method
	l.authenticated = true
	return nil
}

func (l *fakeLogins) Logout(_ context.Context, _ Session) string {
	l.logoutCalls++
	l.authenticated = false
	return l.localURL
}

type fakeRewriter struct {
	replacement map[string]any
	gotClaims   map[string]any
	gotToken    *TokenSet
}

func (r *fakeRewriter) RewriteClaims(claims map[string]any, token *TokenSet) map[string]any {
	r.gotClaims = claims
	r.gotToken = token
	return r.replacement
}

// serviceEnv wires a Service against a fake identity provider and
// recording collaborators.
type serviceEnv struct {
	svc       *Service
	sess      *fakeSession
	registrar *fakeRegistrar
	groups    *fakeGroups
	logins    *fakeLogins
	idp       *httptest.Server
	signKey   *rsa.PrivateKey
	claims    map[string]any
	verifiers []string
}

func keyPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func newServiceEnv(t *testing.T, mutate func(conf *cfg.Config, idpURL string)) *serviceEnv {
	t.Helper()

	env := &serviceEnv{
		sess:      newFakeSession(),
		registrar: &fakeRegistrar{},
		groups:    &fakeGroups{},
		logins:    &fakeLogins{localURL: "https://app.example/"},
		signKey:   testKey(t),
	}
	env.claims = map[string]any{
		"iss":         testIssuer,
		"aud":         testClientID,
		"sub":         "user-1",
		"email":       "ada@example.com",
		"given_name":  "Ada",
		"family_name": "Lovelace",
		"groups":      []any{"eng", "ops"},
		"exp":         timeNowPlus(3600),
		"iat":         timeNowPlus(-60),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		env.verifiers = append(env.verifiers, r.FormValue("code_verifier"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"id_token":     signToken(t, env.signKey, env.claims),
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 testIssuer,
			"authorization_endpoint": env.idp.URL + "/authorize",
			"token_endpoint":         env.idp.URL + "/token",
			"end_session_endpoint":   "https://idp.example/discovered-logout",
		})
	})
	env.idp = httptest.NewServer(mux)
	t.Cleanup(env.idp.Close)

	conf := &cfg.Config{
		DiscoveryTTLMinutes: 15,
		OIDC: cfg.OIDCConfig{
			Issuer:                testIssuer,
			ClientID:              testClientID,
			ClientSecret:          "secret",
			RedirectURI:           "https://app.example/auth/callback",
			AuthorizationEndpoint: env.idp.URL + "/authorize",
			TokenEndpoint:         env.idp.URL + "/token",
			JWTPublicKey:          keyPEM(t, env.signKey),
			Discover:              false,
			DisplayNameClaims:     "given_name|family_name",
			GroupsClaim:           "groups",
			AutoRegister:          true,
			UserToGroups:          true,
		},
	}
	if mutate != nil {
		mutate(conf, env.idp.URL)
	}

	env.svc = NewService(conf, Deps{
		HTTPClient: env.idp.Client(),
		Cache:      cache.NewMemoryCache(),
		Registrar:  env.registrar,
		Groups:     env.groups,
		Logins:     env.logins,
		Logger:     testLogger(),
	})
	return env
}

func timeNowPlus(seconds int) int64 {
	return time.Now().Add(time.Duration(seconds) * time.Second).Unix()
}

func (e *serviceEnv) completeLogin(t *testing.T) (*User, error) {
	t.Helper()
	return e.svc.CompleteLogin(context.Background(), e.sess, "auth-code")
}

func TestService_LoginThenCompleteLogin(t *testing.T) {
	env := newServiceEnv(t, nil)

	req, err := env.svc.Login(context.Background(), env.sess)
	require.NoError(t, err)
	assert.Contains(t, req.URL, env.idp.URL+"/authorize")
	assert.NotEmpty(t, req.State)
	require.NotEmpty(t, env.sess.Get(sessionKeyVerifier), "verifier stashed for the callback")

	user, err := env.completeLogin(t)
	require.NoError(t, err)

	assert.Equal(t, "user-1", user.ExternalID)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "Ada Lovelace", user.Name)

	require.Len(t, env.verifiers, 1)
	assert.NotEmpty(t, env.verifiers[0], "exchange must carry the PKCE verifier")

	assert.Equal(t, 1, env.registrar.registerCalls)
	assert.Equal(t, 1, env.groups.calls)
	assert.Equal(t, []string{"eng", "ops"}, env.groups.lastGroups)
	assert.False(t, env.groups.lastDetach)
	assert.Equal(t, 1, env.logins.loginCalls)
	assert.Equal(t, AuthMethod, env.logins.lastMethod)

	assert.NotEmpty(t, env.sess.Get(sessionKeyIDToken), "raw id token kept for logout")
}

func TestService_VerifierConsumedOnce(t *testing.T) {
	env := newServiceEnv(t, nil)

	_, err := env.svc.Login(context.Background(), env.sess)
	require.NoError(t, err)

	_, err = env.completeLogin(t)
	require.NoError(t, err)

	// Replayed callback: no new Login, so no verifier left to send.
	_, err = env.completeLogin(t)
	require.Error(t, err)

	require.Len(t, env.verifiers, 2)
	assert.NotEmpty(t, env.verifiers[0])
	assert.Empty(t, env.verifiers[1], "stale attempt must not find a verifier")
}

func TestService_CompleteLogin_BadSignatureNoSideEffects(t *testing.T) {
	env := newServiceEnv(t, nil)
	env.signKey = testKey(t) // no longer matches the configured public key

	_, err := env.completeLogin(t)

	assertCheckFails(t, err, "signature")
	assert.Zero(t, env.registrar.registerCalls)
	assert.Zero(t, env.groups.calls)
	assert.Zero(t, env.logins.loginCalls)
}

func TestService_CompleteLogin_ExpiredNoSideEffects(t *testing.T) {
	env := newServiceEnv(t, nil)
	env.claims["exp"] = timeNowPlus(-3600)

	_, err := env.completeLogin(t)

	assertCheckFails(t, err, "expiry")
	assert.Zero(t, env.registrar.registerCalls)
	assert.Zero(t, env.logins.loginCalls)
}

func TestService_CompleteLogin_NoEmail(t *testing.T) {
	env := newServiceEnv(t, nil)
	delete(env.claims, "email")

	_, err := env.completeLogin(t)

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, "no email address", flowErr.Reason)
	assert.Zero(t, env.registrar.registerCalls, "registration must not run without an email")
}

func TestService_CompleteLogin_AlreadyLoggedIn(t *testing.T) {
	env := newServiceEnv(t, nil)
	env.logins.authenticated = true

	_, err := env.completeLogin(t)

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, "already logged in", flowErr.Reason)
	assert.Zero(t, env.registrar.registerCalls)
	assert.Zero(t, env.groups.calls)
}

func TestService_CompleteLogin_DumpUserDetails(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, _ string) {
		conf.OIDC.DumpUserDetails = true
	})

	_, err := env.completeLogin(t)

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Contains(t, flowErr.Reason, "user details dump")
	assert.Zero(t, env.registrar.registerCalls)
}

func TestService_CompleteLogin_RewriteHook(t *testing.T) {
	env := newServiceEnv(t, nil)
	delete(env.claims, "email")

	replacement := map[string]any{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   "user-1",
		"email": "fixed@example.com",
		"exp":   timeNowPlus(3600),
		"iat":   timeNowPlus(-60),
	}
	rewriter := &fakeRewriter{replacement: replacement}
	env.svc.rewriter = rewriter

	user, err := env.completeLogin(t)
	require.NoError(t, err)

	assert.Equal(t, "fixed@example.com", user.Email)
	require.NotNil(t, rewriter.gotToken)
	assert.Equal(t, "at-1", rewriter.gotToken.AccessToken)
	_, hadEmail := rewriter.gotClaims["email"]
	assert.False(t, hadEmail, "hook sees the original claim set")
}

func TestService_CompleteLogin_FindOrFail(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, _ string) {
		conf.OIDC.AutoRegister = false
	})
	env.registrar.user = &User{ID: 7, Name: "Ada", Email: "ada@example.com", ExternalID: "user-1"}

	user, err := env.completeLogin(t)
	require.NoError(t, err)

	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, 1, env.registrar.findCalls)
	assert.Zero(t, env.registrar.registerCalls)
}

func TestService_CompleteLogin_UnknownUser(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, _ string) {
		conf.OIDC.AutoRegister = false
	})
	env.registrar.findErr = errors.New("no such user")

	_, err := env.completeLogin(t)

	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Zero(t, env.logins.loginCalls)
}

func TestService_CompleteLogin_GroupSyncDisabled(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, _ string) {
		conf.OIDC.UserToGroups = false
	})

	_, err := env.completeLogin(t)
	require.NoError(t, err)

	assert.Zero(t, env.groups.calls)
}

func TestService_CompleteLogin_RemoveFromGroups(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, _ string) {
		conf.OIDC.RemoveFromGroups = true
	})

	_, err := env.completeLogin(t)
	require.NoError(t, err)

	assert.True(t, env.groups.lastDetach)
}

func TestService_Logout_EndSessionRedirect(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, _ string) {
		conf.OIDC.EndSessionEndpoint = "https://idp.example/logout"
	})
	env.sess.Put(sessionKeyIDToken, "abc")

	redirect := env.svc.Logout(context.Background(), env.sess)

	assert.Equal(t,
		"https://idp.example/logout?id_token_hint=abc&post_logout_redirect_uri=https%3A%2F%2Fapp.example%2F",
		redirect)
	assert.Equal(t, 1, env.logins.logoutCalls)
	assert.Empty(t, env.sess.Get(sessionKeyIDToken), "raw id token consumed")
}

func TestService_Logout_EndpointWithQueryString(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, _ string) {
		conf.OIDC.EndSessionEndpoint = "https://idp.example/logout?x=1"
	})
	env.sess.Put(sessionKeyIDToken, "abc")

	redirect := env.svc.Logout(context.Background(), env.sess)

	assert.True(t, strings.HasPrefix(redirect, "https://idp.example/logout?x=1&id_token_hint=abc"), redirect)
}

func TestService_Logout_Disabled(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, idpURL string) {
		conf.OIDC.Discover = true
		conf.OIDC.Issuer = idpURL
		conf.OIDC.EndSessionEndpoint = "false"
	})

	redirect := env.svc.Logout(context.Background(), env.sess)

	assert.Equal(t, "https://app.example/", redirect,
		"disabled policy wins over the discovered endpoint")
}

func TestService_Logout_DiscoveredEndpoint(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, idpURL string) {
		conf.OIDC.Discover = true
		conf.OIDC.Issuer = idpURL
	})
	env.sess.Put(sessionKeyIDToken, "abc")

	redirect := env.svc.Logout(context.Background(), env.sess)

	assert.True(t, strings.HasPrefix(redirect, "https://idp.example/discovered-logout?"), redirect)
}

func TestService_Logout_FailOpen(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, _ string) {
		conf.OIDC.Discover = true
		// Point discovery somewhere that does not answer.
		conf.OIDC.Issuer = "https://127.0.0.1:1"
	})

	redirect := env.svc.Logout(context.Background(), env.sess)

	assert.Equal(t, "https://app.example/", redirect,
		"logout must still produce a usable redirect")
	assert.Equal(t, 1, env.logins.logoutCalls)
}

func TestService_Login_DiscoveryMerge(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, idpURL string) {
		conf.OIDC.Discover = true
		conf.OIDC.Issuer = idpURL
		conf.OIDC.AuthorizationEndpoint = ""
		conf.OIDC.TokenEndpoint = ""
	})

	req, err := env.svc.Login(context.Background(), env.sess)
	require.NoError(t, err)

	assert.Contains(t, req.URL, env.idp.URL+"/authorize")
}

func TestService_Login_DiscoveryFailure(t *testing.T) {
	env := newServiceEnv(t, func(conf *cfg.Config, _ string) {
		conf.OIDC.Discover = true
		conf.OIDC.Issuer = "https://127.0.0.1:1"
	})

	_, err := env.svc.Login(context.Background(), env.sess)

	var discoveryErr *DiscoveryError
	require.ErrorAs(t, err, &discoveryErr)
}
