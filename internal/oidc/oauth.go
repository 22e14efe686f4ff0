package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// AuthRequest is the outcome of building an authorization URL. State and
// Verifier are handed to the caller for temporary session storage; they
// live for exactly one login round-trip.
type AuthRequest struct {
	URL      string
	State    string
	Verifier string
}

// TokenSet is the complete response of the code-for-token exchange.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// OAuthProvider wraps the generic OAuth2 client for the authorization
// code grant with PKCE. It holds no mutable state across calls.
type OAuthProvider struct {
	httpClient *http.Client
}

func NewOAuthProvider(httpClient *http.Client) *OAuthProvider {
	return &OAuthProvider{httpClient: httpClient}
}

func (p *OAuthProvider) oauthConfig(s *Settings) *oauth2.Config {
	scopes := []string{gooidc.ScopeOpenID, "profile", "email"}
	scopes = append(scopes, s.AdditionalScopes...)

	return &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		RedirectURL:  s.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.AuthorizationEndpoint,
			TokenURL:  s.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInHeader, // HTTP Basic client auth
		},
		Scopes: scopes,
	}
}

// AuthCodeURL builds the authorization redirect with a fresh random
// state and PKCE verifier.
func (p *OAuthProvider) AuthCodeURL(s *Settings) (*AuthRequest, error) {
	state, err := randomString(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	verifier := oauth2.GenerateVerifier()
	url := p.oauthConfig(s).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	return &AuthRequest{URL: url, State: state, Verifier: verifier}, nil
}

// Exchange performs the authorization-code grant. An empty verifier is
// tolerated for non-PKCE flows.
func (p *OAuthProvider) Exchange(ctx context.Context, s *Settings, code, verifier string) (*TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	token, err := p.oauthConfig(s).Exchange(ctx, code, opts...)
	if err != nil {
		return nil, &TokenExchangeError{Err: err}
	}

	set := &TokenSet{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if rawIDToken, ok := token.Extra("id_token").(string); ok {
		set.IDToken = rawIDToken
	}

	return set, nil
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
