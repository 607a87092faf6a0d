package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rsclarke/vpnstate/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateAndGetServer(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	in := &models.Server{
		Name:              "edge-1",
		Address:           "192.0.2.10",
		SSHPort:           2222,
		SSHUser:           "ops",
		SupportsOpenVPN:   true,
		SupportsWireGuard: true,
		MgmtHost:          "127.0.0.1",
		MgmtPort:          7505,
		WGInterface:       "wg0",
		Deployed:          true,
	}
	id, err := CreateServer(ctx, db, in)
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}

	got, err := GetServer(ctx, db, id)
	if err != nil {
		t.Fatalf("GetServer failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected server to be found")
	}
	if got.Name != "edge-1" || got.SSHPort != 2222 || !got.SupportsOpenVPN || !got.SupportsWireGuard || !got.Deployed {
		t.Errorf("unexpected server %+v", got)
	}
	if len(got.Protocols()) != 2 {
		t.Errorf("expected both protocols, got %v", got.Protocols())
	}

	byName, err := GetServerByName(ctx, db, "edge-1")
	if err != nil || byName == nil || byName.ID != id {
		t.Errorf("GetServerByName = %+v, %v", byName, err)
	}
}

func TestGetServerNotFound(t *testing.T) {
	db := openTestDB(t)

	got, err := GetServer(context.Background(), db, 999)
	if err != nil {
		t.Fatalf("GetServer failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestSaveServerByNameUpdatesExisting(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := SaveServerByName(ctx, db, &models.Server{Name: "edge-2", Address: "192.0.2.20", SSHPort: 22, MgmtHost: "127.0.0.1", MgmtPort: 7505, WGInterface: "wg0"})
	if err != nil {
		t.Fatalf("SaveServerByName failed: %v", err)
	}
	second, err := SaveServerByName(ctx, db, &models.Server{Name: "edge-2", Address: "192.0.2.21", SSHPort: 22, MgmtHost: "127.0.0.1", MgmtPort: 7505, WGInterface: "wg1", SupportsWireGuard: true})
	if err != nil {
		t.Fatalf("SaveServerByName failed: %v", err)
	}
	if first != second {
		t.Errorf("expected same id, got %d and %d", first, second)
	}

	servers, err := ListServers(ctx, db)
	if err != nil {
		t.Fatalf("ListServers failed: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
	if servers[0].Address != "192.0.2.21" || servers[0].WGInterface != "wg1" || !servers[0].SupportsWireGuard {
		t.Errorf("server not updated: %+v", servers[0])
	}
}

func TestResolveUsers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	key := "cGVlcmtleQ=="
	id, err := CreateUser(ctx, db, "alice", &key)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, err := CreateUser(ctx, db, "bob", nil); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	dir := &UserDirectory{DB: db}

	got, err := dir.ResolveUsername(ctx, "alice")
	if err != nil || got == nil || *got != id {
		t.Errorf("ResolveUsername(alice) = %v, %v", got, err)
	}
	got, err = dir.ResolvePublicKey(ctx, key)
	if err != nil || got == nil || *got != id {
		t.Errorf("ResolvePublicKey = %v, %v", got, err)
	}
	got, err = dir.ResolveUsername(ctx, "mallory")
	if err != nil || got != nil {
		t.Errorf("unknown username should resolve to nil, got %v, %v", got, err)
	}

	users, err := ListUsers(ctx, db)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 2 || users[0].Username != "alice" || users[1].PublicKey != nil {
		t.Errorf("unexpected users %+v", users)
	}
}
