package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, "ws-test", 0), mr
}

func TestConnectAndGet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rec, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.Status != StatusIdle || rec.Server != "ws-test" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.ConnectedAt == 0 || rec.LastSeen == 0 {
		t.Errorf("timestamps should be set: %+v", rec)
	}
	if ttl := mr.TTL(KeyPrefix + "u1"); ttl != DefaultTTL {
		t.Errorf("expected TTL %v, got %v", DefaultTTL, ttl)
	}
}

func TestGet_Missing(t *testing.T) {
	s, _ := newTestStore(t)
	rec, err := s.Get(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestTouch_RefreshesTTLAndLastSeen(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }
	s.Connect(ctx, "u1")

	mr.FastForward(60 * time.Second)
	s.now = func() time.Time { return base.Add(60 * time.Second) }
	if err := s.Touch(ctx, "u1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if ttl := mr.TTL(KeyPrefix + "u1"); ttl != DefaultTTL {
		t.Errorf("Touch should reset TTL to %v, got %v", DefaultTTL, ttl)
	}
	rec, _ := s.Get(ctx, "u1")
	if rec.LastSeen != base.Add(60*time.Second).Unix() {
		t.Errorf("last_seen not refreshed: %d", rec.LastSeen)
	}
	if rec.ConnectedAt != base.Unix() {
		t.Errorf("connected_at should not change: %d", rec.ConnectedAt)
	}
}

func TestRecordExpiresWithoutHeartbeat(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	s.Connect(ctx, "u1")

	mr.FastForward(DefaultTTL + time.Second)
	if rec, _ := s.Get(ctx, "u1"); rec != nil {
		t.Fatal("record should expire without heartbeats")
	}
}

func TestSetStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Connect(ctx, "u1")

	for _, status := range []string{StatusQueued, StatusInCall, StatusIdle} {
		if err := s.SetStatus(ctx, "u1", status); err != nil {
			t.Fatalf("SetStatus(%s): %v", status, err)
		}
		rec, _ := s.Get(ctx, "u1")
		if rec.Status != status {
			t.Fatalf("expected %s, got %s", status, rec.Status)
		}
	}
}

func TestDisconnect(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Connect(ctx, "u1")

	if err := s.Disconnect(ctx, "u1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if rec, _ := s.Get(ctx, "u1"); rec != nil {
		t.Fatal("record should be gone")
	}
}
