package oidc

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ssokit/pkg/logger"
	"ssokit/pkg/session"
)

const (
	sessionCookieName = "session_id"
	cookieMaxAge      = 3600
)

// Handler exposes the login flow over HTTP.
type Handler struct {
	svc      *Service
	sessions *session.Manager
	logger   logger.Client
}

func NewHandler(svc *Service, sessions *session.Manager, logger logger.Client) *Handler {
	return &Handler{svc: svc, sessions: sessions, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	auth.GET("/login", h.LoginHandler)
	auth.GET("/callback", h.CallbackHandler)
	auth.GET("/logout", h.LogoutHandler)
}

// scope resolves the caller's session from the cookie, creating a new
// session id when none exists yet.
func (h *Handler) scope(c *gin.Context) (*session.Scope, error) {
	if id, err := c.Cookie(sessionCookieName); err == nil && id != "" {
		return h.sessions.Scope(id), nil
	}

	id, err := session.NewID()
	if err != nil {
		return nil, err
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(
		sessionCookieName,
		id,
		cookieMaxAge,
		"/",
		"",
		false, // Secure: only HTTPS
		true,  // HttpOnly: not accessible via JavaScript
	)
	return h.sessions.Scope(id), nil
}

// LoginHandler starts the login flow
// @Summary Start OIDC login
// @Description Redirects the user to the identity provider's authorization endpoint
// @Tags auth
// @Produce json
// @Success 307 {string} string "Redirect"
// @Failure 500 {object} map[string]string "Configuration or discovery failure"
// @Router /auth/login [get]
func (h *Handler) LoginHandler(c *gin.Context) {
	sess, err := h.scope(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	req, err := h.svc.Login(c.Request.Context(), sess)
	if err != nil {
		h.logger.Error("login start failed", logger.Field{Key: "err", Value: err})
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sess.Put(sessionKeyState, req.State)
	c.Redirect(http.StatusTemporaryRedirect, req.URL)
}

// CallbackHandler completes the login flow
// @Summary OIDC callback
// @Description Exchanges the authorization code, validates the identity token, and establishes the session
// @Tags auth
// @Produce json
// @Param code query string true "Authorization code"
// @Param state query string true "State nonce"
// @Success 200 {object} map[string]string "Authenticated"
// @Failure 400 {object} map[string]string "Missing or mismatched parameters"
// @Failure 401 {object} map[string]string "Rejected login"
// @Router /auth/callback [get]
func (h *Handler) CallbackHandler(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code or state"})
		return
	}

	sess, err := h.scope(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// One-time state check before touching the token endpoint.
	if stored := sess.Pull(sessionKeyState); stored == "" || stored != state {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}

	user, err := h.svc.CompleteLogin(c.Request.Context(), sess, code)
	if err != nil {
		h.logger.Warn("login rejected", logger.Field{Key: "err", Value: err})
		c.JSON(callbackStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "authenticated as " + user.Name,
		"user": gin.H{
			"id":          user.ID,
			"name":        user.Name,
			"email":       user.Email,
			"external_id": user.ExternalID,
		},
	})
}

// LogoutHandler ends the session
// @Summary Logout
// @Description Clears the local session and redirects to the provider's end-session endpoint when configured
// @Tags auth
// @Produce json
// @Success 307 {string} string "Redirect"
// @Router /auth/logout [get]
func (h *Handler) LogoutHandler(c *gin.Context) {
	sess, err := h.scope(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	redirect := h.svc.Logout(c.Request.Context(), sess)
	c.Redirect(http.StatusTemporaryRedirect, redirect)
}

// callbackStatus maps flow failures to response codes: configuration
// and discovery problems are server-side, everything else rejects the
// attempt.
func callbackStatus(err error) int {
	var configErr *ConfigError
	var discoveryErr *DiscoveryError
	if errors.As(err, &configErr) || errors.As(err, &discoveryErr) {
		return http.StatusInternalServerError
	}
	return http.StatusUnauthorized
}
