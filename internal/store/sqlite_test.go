package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/dndgpt/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "dndgpt.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if u, err := s.GetUser(ctx, "missing"); err != nil || u != nil {
		t.Fatalf("GetUser(missing) = %v, %v", u, err)
	}

	now := time.Now().Truncate(time.Second)
	user := &domain.User{UserID: "anon-1", Username: "anon-1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	later := now.Add(time.Minute)
	if err := s.UpdateLastSeen(ctx, "anon-1", later); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}

	got, err := s.GetUser(ctx, "anon-1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got == nil || !got.LastSeenAt.Equal(later) || !got.CreatedAt.Equal(now) {
		t.Errorf("unexpected user %+v", got)
	}
}

func TestMonsterSlotIsPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	goblin := &domain.Monster{Name: "Goblin", ArmorClass: 15, HitPoints: 7, Actions: []domain.MonsterAction{{Name: "Scimitar"}}}
	dragon := &domain.Monster{Name: "Red Dragon", ArmorClass: 19, HitPoints: 256}

	if err := s.SetMonster(ctx, "u1", "tab-a", goblin); err != nil {
		t.Fatalf("SetMonster failed: %v", err)
	}
	if err := s.SetMonster(ctx, "u1", "tab-b", dragon); err != nil {
		t.Fatalf("SetMonster failed: %v", err)
	}

	a, err := s.GetSession(ctx, "u1", "tab-a")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !a.HasMonster() || a.Monster.Summary() != goblin.Summary() {
		t.Errorf("tab-a monster = %+v", a.Monster)
	}
	b, _ := s.GetSession(ctx, "u1", "tab-b")
	if !b.HasMonster() || b.Monster.Name != "Red Dragon" {
		t.Errorf("tab-b monster = %+v", b.Monster)
	}
	if other, _ := s.GetSession(ctx, "u2", "tab-a"); other != nil {
		t.Errorf("session leaked across users: %+v", other)
	}
}

func TestSetMonsterOverwritesAndClears(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SetMonster(ctx, "u1", "tab", &domain.Monster{Name: "Goblin"})
	_ = s.SetMonster(ctx, "u1", "tab", &domain.Monster{Name: "Orc"})

	got, _ := s.GetSession(ctx, "u1", "tab")
	if got.Monster.Name != "Orc" {
		t.Errorf("monster = %q, want Orc", got.Monster.Name)
	}

	if err := s.SetMonster(ctx, "u1", "tab", nil); err != nil {
		t.Fatalf("SetMonster(nil) failed: %v", err)
	}
	got, _ = s.GetSession(ctx, "u1", "tab")
	if got == nil || got.HasMonster() {
		t.Errorf("slot not cleared: %+v", got)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SetMonster(ctx, "u1", "tab", &domain.Monster{Name: "Goblin"})
	if err := s.DeleteSession(ctx, "u1", "tab"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if got, _ := s.GetSession(ctx, "u1", "tab"); got != nil {
		t.Errorf("session still present: %+v", got)
	}
	if err := s.DeleteSession(ctx, "u1", "tab"); err != nil {
		t.Errorf("deleting a missing session should succeed: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	_ = s.UpsertUser(ctx, &domain.User{UserID: "idle", Username: "idle", LastSeenAt: old, CreatedAt: old, UpdatedAt: old})
	_ = s.UpsertUser(ctx, &domain.User{UserID: "busy", Username: "busy", LastSeenAt: old, CreatedAt: old, UpdatedAt: old})
	_ = s.SetMonster(ctx, "busy", "tab", &domain.Monster{Name: "Goblin"})

	if _, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = ? WHERE user_id = ?`, old.Unix(), "busy"); err != nil {
		t.Fatal(err)
	}
	_ = s.SetMonster(ctx, "fresh", "tab", &domain.Monster{Name: "Orc"})

	n, err := s.CleanupIdleUsers(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupIdleUsers failed: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d idle users, want 1 (only the one without sessions)", n)
	}

	n, err = s.CleanupExpiredSessions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d sessions, want 1", n)
	}
	if got, _ := s.GetSession(ctx, "fresh", "tab"); got == nil {
		t.Error("fresh session was removed")
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
