package oidc

import "fmt"

// ConfigError reports missing or invalid provider settings. The flow
// cannot start with one of these.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "oidc config: " + e.Reason
}

// DiscoveryError reports a failed metadata fetch or parse. Fatal for the
// current attempt; never retried here.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("oidc discovery for %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// TokenExchangeError reports a rejected or failed code-for-token exchange.
type TokenExchangeError struct {
	Err error
}

func (e *TokenExchangeError) Error() string {
	return "oidc token exchange: " + e.Err.Error()
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// MalformedTokenError reports an ID token that cannot be decoded at all.
type MalformedTokenError struct {
	Reason string
}

func (e *MalformedTokenError) Error() string {
	return "malformed id token: " + e.Reason
}

// InvalidTokenError reports the first validation check that failed.
// Check is one of "signature", "issuer", "audience", "expiry",
// "issued-at".
type InvalidTokenError struct {
	Check  string
	Reason string
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid id token (%s): %s", e.Check, e.Reason)
}

// RegistrationError reports a failure resolving the local user account.
type RegistrationError struct {
	Err error
}

func (e *RegistrationError) Error() string {
	return "oidc registration: " + e.Err.Error()
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// FlowError is the umbrella for business-rule failures in the login
// flow (no email, already logged in, debug dump) and for wrapped causes
// from the lower layers.
type FlowError struct {
	Reason string
	Err    error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return "oidc: " + e.Reason + ": " + e.Err.Error()
	}
	return "oidc: " + e.Reason
}

func (e *FlowError) Unwrap() error { return e.Err }
