package authserver

import (
	"context"
	"testing"
	"time"
)

func TestSweepOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	expired := &DeviceSession{DeviceCode: "old", ExpiresAt: time.Now().Add(-time.Minute)}
	live := &DeviceSession{DeviceCode: "new", ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.SaveSession(ctx, expired); err != nil {
		t.Fatalf("saving: %v", err)
	}
	if err := store.SaveSession(ctx, live); err != nil {
		t.Fatalf("saving: %v", err)
	}

	sweeper := NewSweeper(store, time.Minute, quietLogger())
	sweeper.SweepOnce(ctx)

	if session, _ := store.GetSession(ctx, "old"); session != nil {
		t.Error("expected expired session swept")
	}
	if session, _ := store.GetSession(ctx, "new"); session == nil {
		t.Error("expected live session kept")
	}
}

func TestSweeperStartStop(t *testing.T) {
	store := NewMemoryStore()
	sweeper := NewSweeper(store, 10*time.Millisecond, quietLogger())

	stop := sweeper.Start()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
}
