package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rsclarke/vpnstate/internal/models"
)

const serverColumns = `id, name, address, ssh_port, ssh_user, supports_openvpn, supports_wireguard,
	mgmt_host, mgmt_port, status_path, wg_interface, deployed, created_at`

// CreateServer inserts a server and returns its ID.
func CreateServer(ctx context.Context, d *sql.DB, s *models.Server) (int64, error) {
	result, err := d.ExecContext(ctx, `
		INSERT INTO servers (name, address, ssh_port, ssh_user, supports_openvpn, supports_wireguard,
			mgmt_host, mgmt_port, status_path, wg_interface, deployed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.Address, s.SSHPort, s.SSHUser, boolInt(s.SupportsOpenVPN), boolInt(s.SupportsWireGuard),
		s.MgmtHost, s.MgmtPort, s.StatusPath, s.WGInterface, boolInt(s.Deployed), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert server: %w", err)
	}
	return result.LastInsertId()
}

// SaveServerByName inserts the server or updates the existing row with the
// same name. It is used to seed servers from the config file.
func SaveServerByName(ctx context.Context, d *sql.DB, s *models.Server) (int64, error) {
	_, err := d.ExecContext(ctx, `
		INSERT INTO servers (name, address, ssh_port, ssh_user, supports_openvpn, supports_wireguard,
			mgmt_host, mgmt_port, status_path, wg_interface, deployed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			address = excluded.address,
			ssh_port = excluded.ssh_port,
			ssh_user = excluded.ssh_user,
			supports_openvpn = excluded.supports_openvpn,
			supports_wireguard = excluded.supports_wireguard,
			mgmt_host = excluded.mgmt_host,
			mgmt_port = excluded.mgmt_port,
			status_path = excluded.status_path,
			wg_interface = excluded.wg_interface,
			deployed = excluded.deployed`,
		s.Name, s.Address, s.SSHPort, s.SSHUser, boolInt(s.SupportsOpenVPN), boolInt(s.SupportsWireGuard),
		s.MgmtHost, s.MgmtPort, s.StatusPath, s.WGInterface, boolInt(s.Deployed), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert server: %w", err)
	}

	var id int64
	if err := d.QueryRowContext(ctx, "SELECT id FROM servers WHERE name = ?", s.Name).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup server id: %w", err)
	}
	return id, nil
}

// GetServer retrieves a server by ID. It returns (nil, nil) when absent.
func GetServer(ctx context.Context, d *sql.DB, id int64) (*models.Server, error) {
	row := d.QueryRowContext(ctx, "SELECT "+serverColumns+" FROM servers WHERE id = ?", id)
	return scanServerRow(row)
}

// GetServerByName retrieves a server by name. It returns (nil, nil) when absent.
func GetServerByName(ctx context.Context, d *sql.DB, name string) (*models.Server, error) {
	row := d.QueryRowContext(ctx, "SELECT "+serverColumns+" FROM servers WHERE name = ?", name)
	return scanServerRow(row)
}

// ListServers returns all servers ordered by ID.
func ListServers(ctx context.Context, d *sql.DB) ([]models.Server, error) {
	rows, err := d.QueryContext(ctx, "SELECT "+serverColumns+" FROM servers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []models.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *s)
	}
	return servers, rows.Err()
}

// DeleteServer removes a server and, through the foreign key, its sessions.
func DeleteServer(ctx context.Context, d *sql.DB, id int64) error {
	_, err := d.ExecContext(ctx, "DELETE FROM servers WHERE id = ?", id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServerRow(row *sql.Row) (*models.Server, error) {
	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func scanServer(sc scanner) (*models.Server, error) {
	var s models.Server
	var ovpn, wg, deployed int
	err := sc.Scan(&s.ID, &s.Name, &s.Address, &s.SSHPort, &s.SSHUser, &ovpn, &wg,
		&s.MgmtHost, &s.MgmtPort, &s.StatusPath, &s.WGInterface, &deployed, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.SupportsOpenVPN = ovpn != 0
	s.SupportsWireGuard = wg != 0
	s.Deployed = deployed != 0
	return &s, nil
}
