package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// ErrUnauthorized is returned when a principal may not execute a command.
var ErrUnauthorized = errors.New("unauthorized")

// Authorizer decides whether a principal may execute a command.
type Authorizer interface {
	Authorize(ctx context.Context, principalID string, cmd *eventsourcing.Command) error
}

// Authorization enforces authorizer before the handler runs.
func Authorization(authorizer Authorizer) eventsourcing.Middleware {
	return func(next eventsourcing.Executor) eventsourcing.Executor {
		return eventsourcing.ExecutorFunc(func(ctx context.Context, cmd *eventsourcing.Command) (int64, error) {
			if err := authorizer.Authorize(ctx, cmd.Metadata.PrincipalID, cmd); err != nil {
				return 0, fmt.Errorf("authorize %s: %w", cmd.Name(), err)
			}
			return next.Execute(ctx, cmd)
		})
	}
}

// RoleBasedAuthorizer maps command names onto the roles allowed to run them.
// Commands without an entry are open to everyone.
type RoleBasedAuthorizer struct {
	commandRoles   map[string][]string
	principalRoles func(ctx context.Context, principalID string) ([]string, error)
}

// NewRoleBasedAuthorizer creates a role-based authorizer.
func NewRoleBasedAuthorizer(
	commandRoles map[string][]string,
	principalRoles func(ctx context.Context, principalID string) ([]string, error),
) *RoleBasedAuthorizer {
	return &RoleBasedAuthorizer{
		commandRoles:   commandRoles,
		principalRoles: principalRoles,
	}
}

func (a *RoleBasedAuthorizer) Authorize(ctx context.Context, principalID string, cmd *eventsourcing.Command) error {
	required := a.commandRoles[cmd.Name()]
	if len(required) == 0 {
		return nil
	}

	roles, err := a.principalRoles(ctx, principalID)
	if err != nil {
		return fmt.Errorf("load roles of %s: %w", principalID, err)
	}

	has := make(map[string]bool, len(roles))
	for _, role := range roles {
		has[role] = true
	}
	for _, role := range required {
		if has[role] {
			return nil
		}
	}

	return fmt.Errorf("%w: principal %s lacks any of %v", ErrUnauthorized, principalID, required)
}
