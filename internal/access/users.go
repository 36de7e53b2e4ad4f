package access

import (
	"context"
	"errors"
	"fmt"

	"field-access-control/internal/domain"
	"field-access-control/internal/storage"
	"field-access-control/internal/utils"
)

type UserSpec struct {
	Email       string   `json:"email" yaml:"email"`
	DisplayName string   `json:"display_name" yaml:"display_name"`
	Admin       bool     `json:"admin" yaml:"admin"`
	Roles       []string `json:"roles" yaml:"roles"`
}

// CreateUser adds a user holding the given roles, referenced by id or name.
func (e *Engine) CreateUser(ctx context.Context, spec UserSpec, by string) (*domain.User, error) {
	email := NormalizeEmail(spec.Email)
	if err := ValidEmail(email); err != nil {
		return nil, err
	}

	now := e.clock()
	user := &domain.User{
		UserID:      utils.GenerateID(utils.PrefixUser),
		Email:       email,
		DisplayName: spec.DisplayName,
		IsAdmin:     spec.Admin,
		Active:      true,
		CreatedAt:   now,
	}

	err := e.store.InTx(ctx, func(s storage.Store) error {
		if err := s.CreateUser(ctx, user); err != nil {
			return err
		}
		for _, ref := range normalize(spec.Roles) {
			role, err := resolveRole(ctx, s, ref)
			if err != nil {
				return err
			}
			if err := s.AddUserRole(ctx, user.UserID, role.RoleID); err != nil {
				return err
			}
			user.Roles = append(user.Roles, role.RoleID)
		}
		detail := ""
		if user.IsAdmin {
			detail = "admin"
		}
		return audit(ctx, s, now, domain.EntityUser, user.UserID, "create", by, detail)
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, domain.Invalid(fmt.Sprintf("user %q already exists", email))
	}
	if err != nil {
		return nil, domain.Classify("create user", err)
	}
	e.logger.Info("User created", "user_id", user.UserID, "email", email, "by", by)
	return user, nil
}

// EnsureUser returns the user with the address, creating it when missing.
func (e *Engine) EnsureUser(ctx context.Context, spec UserSpec, by string) (*domain.User, bool, error) {
	user, err := e.store.GetUserByEmail(ctx, NormalizeEmail(spec.Email))
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, domain.Unavailable("get user", err)
	}
	user, err = e.CreateUser(ctx, spec, by)
	return user, err == nil, err
}

func (e *Engine) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	return user, domain.Classify("get user", err)
}

func (e *Engine) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	user, err := e.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	return user, domain.Classify("get user", err)
}

// ResolveUser accepts a user id or an e-mail address.
func (e *Engine) ResolveUser(ctx context.Context, ref string) (*domain.User, error) {
	user, err := e.GetUser(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return e.GetUserByEmail(ctx, ref)
	}
	return user, err
}

func (e *Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := e.store.ListUsers(ctx)
	return users, domain.Classify("list users", err)
}

func (e *Engine) SetUserActive(ctx context.Context, userID string, active bool, by string) error {
	now := e.clock()
	err := e.store.InTx(ctx, func(s storage.Store) error {
		changed, err := s.SetUserActive(ctx, userID, active)
		if err != nil {
			return err
		}
		if !changed {
			return domain.ErrNotFound
		}
		action := "disable"
		if active {
			action = "enable"
		}
		return audit(ctx, s, now, domain.EntityUser, userID, action, by, "")
	})
	return domain.Classify("set user active", err)
}

// GrantRole is idempotent.
func (e *Engine) GrantRole(ctx context.Context, userID, roleRef, by string) error {
	now := e.clock()
	err := e.store.InTx(ctx, func(s storage.Store) error {
		if _, err := s.GetUser(ctx, userID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		role, err := resolveRole(ctx, s, roleRef)
		if err != nil {
			return err
		}
		if err := s.AddUserRole(ctx, userID, role.RoleID); err != nil {
			return err
		}
		return audit(ctx, s, now, domain.EntityUser, userID, "grant_role", by, role.RoleID)
	})
	return domain.Classify("grant role", err)
}

// RevokeRole is idempotent.
func (e *Engine) RevokeRole(ctx context.Context, userID, roleRef, by string) error {
	now := e.clock()
	err := e.store.InTx(ctx, func(s storage.Store) error {
		if _, err := s.GetUser(ctx, userID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		role, err := resolveRole(ctx, s, roleRef)
		if err != nil {
			return err
		}
		removed, err := s.RemoveUserRole(ctx, userID, role.RoleID)
		if err != nil || !removed {
			return err
		}
		return audit(ctx, s, now, domain.EntityUser, userID, "revoke_role", by, role.RoleID)
	})
	return domain.Classify("revoke role", err)
}
