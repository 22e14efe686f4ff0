package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ssokit/pkg/cache"
	"ssokit/pkg/logger"
)

// DiscoveryDocument is the provider metadata published under
// .well-known/openid-configuration.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
}

// Discoverer fetches and caches provider metadata. Documents are cached
// keyed by issuer; a fetch or parse failure is fatal for the current
// attempt and is never retried here.
type Discoverer struct {
	httpClient *http.Client
	cache      cache.Cache
	ttl        time.Duration
	logger     logger.Client
}

func NewDiscoverer(httpClient *http.Client, cache cache.Cache, ttlMinutes int, logger logger.Client) *Discoverer {
	return &Discoverer{
		httpClient: httpClient,
		cache:      cache,
		ttl:        time.Duration(ttlMinutes) * time.Minute,
		logger:     logger,
	}
}

// cacheKey derives a deterministic key from the issuer URL
func (d *Discoverer) cacheKey(issuer string) string {
	hash := sha256.Sum256([]byte(issuer))
	return fmt.Sprintf("oidc:discovery:%x", hash[:16])
}

func (d *Discoverer) Discover(ctx context.Context, issuer string) (*DiscoveryDocument, error) {
	key := d.cacheKey(issuer)

	cached, err := d.cache.Get(ctx, key)
	if err == nil && cached != "" {
		var doc DiscoveryDocument
		if err := json.Unmarshal([]byte(cached), &doc); err == nil {
			d.logger.Debug("discovery cache hit", logger.Field{Key: "issuer", Value: issuer})
			return &doc, nil
		}
		d.logger.Error("failed to unmarshal cached discovery document", logger.Field{Key: "err", Value: err})
	}

	doc, err := d.fetch(ctx, issuer)
	if err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}

	docBytes, err := json.Marshal(doc)
	if err != nil {
		d.logger.Error("failed to marshal discovery document", logger.Field{Key: "err", Value: err})
		return doc, nil // return document even if caching fails
	}
	if err := d.cache.Set(ctx, key, string(docBytes), d.ttl); err != nil {
		d.logger.Error("failed to cache discovery document", logger.Field{Key: "err", Value: err})
	}

	return doc, nil
}

func (d *Discoverer) fetch(ctx context.Context, issuer string) (*DiscoveryDocument, error) {
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", wellKnown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", wellKnown, resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata missing authorization or token endpoint")
	}

	return &doc, nil
}
