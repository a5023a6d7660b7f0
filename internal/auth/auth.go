// Package auth decides which chat users may drive the bot.
package auth

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/store"
)

// Allowlist is a store-backed list of authorized user ids. An empty list
// means everyone is authorized; once it has entries only listed users are.
type Allowlist struct {
	store  store.Store
	logger *logger.Logger
}

// NewAllowlist creates an allowlist over the store.
func NewAllowlist(st store.Store, log *logger.Logger) *Allowlist {
	return &Allowlist{
		store:  st,
		logger: log.WithFields(zap.String("component", "allowlist")),
	}
}

// IsAuthorized reports whether the user may issue commands.
func (a *Allowlist) IsAuthorized(ctx context.Context, userID string) (bool, error) {
	ids, err := a.store.GetAllowedUserIDs(ctx)
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return true, nil
	}
	return slices.Contains(ids, userID), nil
}

// Add authorizes a user. Adding an already listed user changes nothing.
func (a *Allowlist) Add(ctx context.Context, userID string) error {
	ids, err := a.store.GetAllowedUserIDs(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(ids, userID) {
		return nil
	}
	if err := a.store.AddAllowedUserID(ctx, userID); err != nil {
		return err
	}
	a.logger.Info("added user to allowlist", zap.String("user_id", userID))
	return nil
}

// Remove deauthorizes a user. The last remaining entry cannot be removed
// since that would silently reopen the bot to everyone.
func (a *Allowlist) Remove(ctx context.Context, userID string) error {
	ids, err := a.store.GetAllowedUserIDs(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, userID) {
		return fmt.Errorf("user %q is not on the allowlist", userID)
	}
	if len(ids) == 1 {
		return fmt.Errorf("cannot remove the last allowlisted user")
	}
	if err := a.store.RemoveAllowedUserID(ctx, userID); err != nil {
		return err
	}
	a.logger.Info("removed user from allowlist", zap.String("user_id", userID))
	return nil
}

// List returns the allowlisted user ids.
func (a *Allowlist) List(ctx context.Context) ([]string, error) {
	return a.store.GetAllowedUserIDs(ctx)
}
