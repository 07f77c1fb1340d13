package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/memory"
)

func seed(t *testing.T, store syncstore.SyncStore, userID int64, bytes int) {
	t.Helper()
	payload := make([]byte, bytes)
	for i := range payload {
		payload[i] = 'x'
	}
	s := string(payload)
	if _, err := store.SetItem(context.Background(), userID, "history", "seed", &syncstore.BSO{ID: "seed", Payload: &s}); err != nil {
		t.Fatalf("seed write: %v", err)
	}
}

func TestDisabledQuotaAdmitsEverything(t *testing.T) {
	store := memory.NewStore()
	a := New(store, 0)
	if a.Enabled() {
		t.Error("zero limit reported enabled")
	}
	if _, err := a.Check(context.Background(), 1, 1<<40); err != nil {
		t.Errorf("Check with quota disabled: %v", err)
	}
}

func TestCheckAdmitsUnderCeiling(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 1, 100)
	a := New(store, 1000)

	left, err := a.Check(context.Background(), 1, 400)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if left != 500 {
		t.Errorf("headroom = %d, want 500", left)
	}
}

func TestCheckRejectsOverCeiling(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 1, 900)
	a := New(store, 1000)

	if _, err := a.Check(context.Background(), 1, 200); !errors.Is(err, syncstore.ErrOverQuota) {
		t.Errorf("err = %v, want ErrOverQuota", err)
	}
	// Landing exactly on the ceiling leaves no headroom and is rejected.
	if _, err := a.Check(context.Background(), 1, 100); !errors.Is(err, syncstore.ErrOverQuota) {
		t.Errorf("exact-ceiling write: err = %v, want ErrOverQuota", err)
	}
	// The last byte below the ceiling is still admitted.
	left, err := a.Check(context.Background(), 1, 99)
	if err != nil {
		t.Fatalf("Check just under ceiling: %v", err)
	}
	if left != 1 {
		t.Errorf("headroom = %d, want 1", left)
	}
}

func TestRemaining(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 1, 250)
	a := New(store, 1000)

	left, err := a.Remaining(context.Background(), 1)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if left != 750 {
		t.Errorf("remaining = %d, want 750", left)
	}

	// Other users have independent accounting.
	left, err = a.Remaining(context.Background(), 2)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if left != 1000 {
		t.Errorf("remaining for fresh user = %d", left)
	}
}
