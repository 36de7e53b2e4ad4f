package storage

import (
	"context"

	"field-access-control/internal/domain"
)

const userColumns = `user_id, email, display_name, is_admin, active, created_at`

func (p *SQLProvider) CreateUser(ctx context.Context, user *domain.User) error {
	return p.insert(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES (:user_id, :email, :display_name, :is_admin, :active, :created_at)`, user)
}

func (p *SQLProvider) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	if err := p.get(ctx, &user, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID); err != nil {
		return nil, err
	}
	return &user, p.loadRoles(ctx, &user)
}

func (p *SQLProvider) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	if err := p.get(ctx, &user, `SELECT `+userColumns+` FROM users WHERE email = ?`, email); err != nil {
		return nil, err
	}
	return &user, p.loadRoles(ctx, &user)
}

func (p *SQLProvider) ListUsers(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if err := p.selectAll(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY email`); err != nil {
		return nil, err
	}

	var links []struct {
		UserID string `db:"user_id"`
		RoleID string `db:"role_id"`
	}
	if err := p.selectAll(ctx, &links, `SELECT user_id, role_id FROM user_roles ORDER BY role_id`); err != nil {
		return nil, err
	}
	roles := make(map[string][]string)
	for _, l := range links {
		roles[l.UserID] = append(roles[l.UserID], l.RoleID)
	}
	for i := range users {
		users[i].Roles = roles[users[i].UserID]
	}
	return users, nil
}

func (p *SQLProvider) SetUserActive(ctx context.Context, userID string, active bool) (bool, error) {
	n, err := p.exec(ctx, `UPDATE users SET active = ? WHERE user_id = ?`, active, userID)
	return n == 1, err
}

func (p *SQLProvider) AddUserRole(ctx context.Context, userID, roleID string) error {
	_, err := p.exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, userID, roleID)
	return err
}

func (p *SQLProvider) RemoveUserRole(ctx context.Context, userID, roleID string) (bool, error) {
	n, err := p.exec(ctx, `DELETE FROM user_roles WHERE user_id = ? AND role_id = ?`, userID, roleID)
	return n == 1, err
}

func (p *SQLProvider) loadRoles(ctx context.Context, user *domain.User) error {
	return p.selectAll(ctx, &user.Roles, `SELECT role_id FROM user_roles WHERE user_id = ? ORDER BY role_id`, user.UserID)
}
