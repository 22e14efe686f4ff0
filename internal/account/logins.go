package account

import (
	"context"
	"strconv"

	"ssokit/internal/oidc"
	"ssokit/pkg/logger"
)

const (
	sessionKeyUserID = "auth.user_id"
	sessionKeyMethod = "auth.method"
)

// SessionLogins implements the login collaborator on top of the
// session store: an authenticated session holds the user id and the
// auth method that established it.
type SessionLogins struct {
	postLogoutURL string
	logger        logger.Client
}

func NewSessionLogins(postLogoutURL string, logger logger.Client) *SessionLogins {
	return &SessionLogins{postLogoutURL: postLogoutURL, logger: logger}
}

func (l *SessionLogins) Authenticated(sess oidc.Session) bool {
	return sess.Get(sessionKeyUserID) != ""
}

func (l *SessionLogins) Login(_ context.Context, sess oidc.Session, user *oidc.User, method string) error {
	sess.Put(sessionKeyUserID, strconv.FormatInt(user.ID, 10))
	sess.Put(sessionKeyMethod, method)
	return nil
}

// Logout clears the authenticated state and returns the local
// post-logout redirect URL.
func (l *SessionLogins) Logout(_ context.Context, sess oidc.Session) string {
	sess.Pull(sessionKeyUserID)
	sess.Pull(sessionKeyMethod)
	return l.postLogoutURL
}
