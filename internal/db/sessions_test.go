package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rsclarke/vpnstate/internal/models"
)

func createTestServer(t *testing.T, d querier, name string) int64 {
	t.Helper()
	res, err := d.ExecContext(context.Background(), "INSERT INTO servers (name, address, created_at) VALUES (?, '192.0.2.1', 1)", name)
	if err != nil {
		t.Fatalf("insert server: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("server id: %v", err)
	}
	return id
}

func activeSession(serverID int64, key string, now int64) models.Session {
	return models.Session{
		ServerID:    serverID,
		SessionKey:  key,
		Protocol:    models.ProtocolWireGuard,
		IdentityKey: key,
		ConnectedAt: now,
		LastSeenAt:  &now,
		Connected:   true,
		UpdatedAt:   now,
	}
}

func TestUpsertSessionIsUniquePerKey(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	serverID := createTestServer(t, db, "edge-1")

	s := activeSession(serverID, "wg:abc", 100)
	if err := UpsertSession(ctx, db, &s); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	s.BytesIn = 42
	if err := UpsertSession(ctx, db, &s); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	sessions, err := ListServerSessions(ctx, db, serverID, models.ProtocolWireGuard, false)
	if err != nil {
		t.Fatalf("ListServerSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].BytesIn != 42 {
		t.Errorf("bytes in = %d, want 42", sessions[0].BytesIn)
	}
}

func TestSessionConnectedCheckConstraint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	serverID := createTestServer(t, db, "edge-1")

	s := activeSession(serverID, "wg:bad", 100)
	closed := int64(200)
	s.DisconnectedAt = &closed
	if err := UpsertSession(ctx, db, &s); err == nil {
		t.Error("expected connected row with disconnected_at to be rejected")
	}

	s = activeSession(serverID, "wg:bad2", 100)
	s.Connected = false
	if err := UpsertSession(ctx, db, &s); err == nil {
		t.Error("expected closed row without disconnected_at to be rejected")
	}
}

func TestApplyPass(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	serverID := createTestServer(t, db, "edge-1")
	store := &SessionStore{DB: db}

	active, err := store.ApplyPass(ctx, serverID, models.ProtocolWireGuard, func(existing []models.Session) ([]models.Session, error) {
		if len(existing) != 0 {
			t.Errorf("expected no existing rows, got %d", len(existing))
		}
		return []models.Session{
			activeSession(serverID, "wg:a", 100),
			activeSession(serverID, "wg:b", 100),
		}, nil
	})
	if err != nil {
		t.Fatalf("ApplyPass failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active, got %d", len(active))
	}

	active, err = store.ApplyPass(ctx, serverID, models.ProtocolWireGuard, func(existing []models.Session) ([]models.Session, error) {
		if len(existing) != 2 {
			t.Fatalf("expected 2 existing rows, got %d", len(existing))
		}
		closed := existing[1]
		at := int64(300)
		dur := at - closed.ConnectedAt
		closed.Connected = false
		closed.DisconnectedAt = &at
		closed.SessionDuration = &dur
		return []models.Session{closed}, nil
	})
	if err != nil {
		t.Fatalf("ApplyPass failed: %v", err)
	}
	if len(active) != 1 || active[0].SessionKey != "wg:a" {
		t.Errorf("unexpected active set %+v", active)
	}

	all, err := ListSessionsByServer(ctx, db, serverID, false)
	if err != nil {
		t.Fatalf("ListSessionsByServer failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("closed rows must be kept, got %d rows", len(all))
	}
}

func TestApplyPassRollsBackOnPlanError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	serverID := createTestServer(t, db, "edge-1")
	store := &SessionStore{DB: db}

	boom := errors.New("boom")
	_, err := store.ApplyPass(ctx, serverID, models.ProtocolOpenVPN, func([]models.Session) ([]models.Session, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected plan error, got %v", err)
	}

	// A failing write after a good one must leave nothing behind.
	_, err = store.ApplyPass(ctx, serverID, models.ProtocolWireGuard, func([]models.Session) ([]models.Session, error) {
		bad := activeSession(serverID, "wg:bad", 100)
		bad.Connected = false
		return []models.Session{activeSession(serverID, "wg:good", 100), bad}, nil
	})
	if err == nil {
		t.Fatal("expected constraint error")
	}

	all, err := ListSessionsByServer(ctx, db, serverID, false)
	if err != nil {
		t.Fatalf("ListSessionsByServer failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected rollback, found %d rows", len(all))
	}
}

func TestCountActiveAndPrune(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := createTestServer(t, db, "edge-a")
	b := createTestServer(t, db, "edge-b")

	for _, s := range []models.Session{
		activeSession(a, "wg:1", 100),
		activeSession(a, "wg:2", 100),
		activeSession(b, "wg:3", 100),
	} {
		if err := UpsertSession(ctx, db, &s); err != nil {
			t.Fatalf("UpsertSession failed: %v", err)
		}
	}

	old := activeSession(b, "wg:old", 100)
	at := time.Now().Add(-48 * time.Hour).Unix()
	old.Connected = false
	old.DisconnectedAt = &at
	if err := UpsertSession(ctx, db, &old); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	counts, err := CountActiveByServer(ctx, db)
	if err != nil {
		t.Fatalf("CountActiveByServer failed: %v", err)
	}
	if counts[a] != 2 || counts[b] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}

	active, err := ListActiveSessions(ctx, db)
	if err != nil {
		t.Fatalf("ListActiveSessions failed: %v", err)
	}
	if len(active) != 3 {
		t.Errorf("expected 3 active sessions, got %d", len(active))
	}

	n, err := PruneClosed(ctx, db, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneClosed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned row, got %d", n)
	}
}
