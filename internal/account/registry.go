package account

import (
	"context"
	"errors"
	"sync"

	"ssokit/internal/oidc"
	"ssokit/pkg/idgen"
	"ssokit/pkg/logger"
)

var ErrUserNotFound = errors.New("user not found")

// Registry is an in-memory account store implementing the registration
// and group-sync collaborators of the login flow.
type Registry struct {
	mu           sync.Mutex
	idgen        idgen.Generator
	byExternalID map[string]*oidc.User
	memberships  map[int64][]string
	logger       logger.Client
}

func NewRegistry(gen idgen.Generator, logger logger.Client) *Registry {
	return &Registry{
		idgen:        gen,
		byExternalID: make(map[string]*oidc.User),
		memberships:  make(map[int64][]string),
		logger:       logger,
	}
}

func (r *Registry) FindByExternalID(_ context.Context, externalID string) (*oidc.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, exists := r.byExternalID[externalID]
	if !exists {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// FindOrRegister returns the existing account for the external id or
// creates one atomically.
func (r *Registry) FindOrRegister(_ context.Context, name, email, externalID string) (*oidc.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if user, exists := r.byExternalID[externalID]; exists {
		copied := *user
		return &copied, nil
	}

	user := &oidc.User{
		ID:         r.idgen.GenerateID(),
		Name:       name,
		Email:      email,
		ExternalID: externalID,
	}
	r.byExternalID[externalID] = user

	r.logger.Info("registered user",
		logger.Field{Key: "external_id", Value: externalID},
		logger.Field{Key: "user_id", Value: user.ID},
	)

	copied := *user
	return &copied, nil
}

// SyncUserGroups reconciles membership with the provider's group list.
// With detachExisting the list replaces current membership; otherwise
// new groups are appended to it.
func (r *Registry) SyncUserGroups(_ context.Context, user *oidc.User, groups []string, detachExisting bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if detachExisting {
		r.memberships[user.ID] = append([]string(nil), groups...)
		return nil
	}

	current := r.memberships[user.ID]
	seen := make(map[string]struct{}, len(current))
	for _, g := range current {
		seen[g] = struct{}{}
	}
	for _, g := range groups {
		if _, ok := seen[g]; !ok {
			current = append(current, g)
			seen[g] = struct{}{}
		}
	}
	r.memberships[user.ID] = current
	return nil
}

// Groups returns the current membership list for a user.
func (r *Registry) Groups(userID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.memberships[userID]...)
}
