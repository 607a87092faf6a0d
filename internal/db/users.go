package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rsclarke/vpnstate/internal/models"
)

// CreateUser inserts a user mirror row and returns its ID.
func CreateUser(ctx context.Context, d *sql.DB, username string, publicKey *string) (int64, error) {
	result, err := d.ExecContext(ctx,
		"INSERT INTO vpn_users (username, public_key, created_at) VALUES (?, ?, ?)",
		username, publicKey, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return result.LastInsertId()
}

// ListUsers returns all mirrored users ordered by username.
func ListUsers(ctx context.Context, d *sql.DB) ([]models.VPNUser, error) {
	rows, err := d.QueryContext(ctx, "SELECT id, username, public_key, created_at FROM vpn_users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []models.VPNUser
	for rows.Next() {
		var u models.VPNUser
		if err := rows.Scan(&u.ID, &u.Username, &u.PublicKey, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserDirectory resolves VPN identities to user IDs from the vpn_users table.
type UserDirectory struct {
	DB *sql.DB
}

// ResolveUsername returns the user ID for an OpenVPN username, or nil.
func (u *UserDirectory) ResolveUsername(ctx context.Context, username string) (*int64, error) {
	return u.lookup(ctx, "SELECT id FROM vpn_users WHERE username = ?", username)
}

// ResolvePublicKey returns the user ID for a WireGuard public key, or nil.
func (u *UserDirectory) ResolvePublicKey(ctx context.Context, key string) (*int64, error) {
	return u.lookup(ctx, "SELECT id FROM vpn_users WHERE public_key = ?", key)
}

func (u *UserDirectory) lookup(ctx context.Context, query, arg string) (*int64, error) {
	var id int64
	err := u.DB.QueryRowContext(ctx, query, arg).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	return &id, nil
}
