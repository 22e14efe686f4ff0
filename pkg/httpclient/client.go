package httpclient

import (
	"net/http"
	"time"
)

// New builds the HTTP client shared by discovery and the token exchange.
// The timeout bounds the whole request including body read.
func New(timeoutSeconds int) *http.Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 5
	}
	return &http.Client{
		Timeout: time.Duration(timeoutSeconds) * time.Second,
	}
}
