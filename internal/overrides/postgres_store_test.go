//go:build integration

package overrides

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/callshield/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	entry := &Entry{
		ID:        "ovr_pg_test_1",
		Number:    "+15551234567",
		Action:    ActionBlock,
		Reason:    "integration test",
		CreatedBy: "ops",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.Set(ctx, entry); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := store.Get(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].ID != entry.ID || got[0].Action != ActionBlock || got[0].Reason != entry.Reason {
		t.Errorf("round trip mismatch: %+v", got[0])
	}
	if !got[0].ExpiresAt.IsZero() {
		t.Errorf("NULL expires_at should scan as zero time, got %v", got[0].ExpiresAt)
	}
}

func TestPostgresStoreUpsert(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	first := &Entry{ID: "ovr_up_1", Number: "+15551110000", Action: ActionAllow, Reason: "first", CreatedAt: time.Now().UTC()}
	second := &Entry{ID: "ovr_up_2", Number: "+15551110000", Action: ActionAllow, Reason: "second", CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour)}

	if err := store.Set(ctx, first); err != nil {
		t.Fatalf("set first: %v", err)
	}
	if err := store.Set(ctx, second); err != nil {
		t.Fatalf("set second: %v", err)
	}

	got, err := store.Get(ctx, "+15551110000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("upsert created a duplicate: %d entries", len(got))
	}
	if got[0].ID != "ovr_up_2" || got[0].Reason != "second" {
		t.Errorf("upsert did not replace: %+v", got[0])
	}
	if got[0].ExpiresAt.IsZero() {
		t.Error("expires_at lost on upsert")
	}
}

func TestPostgresStoreRemoveAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	numbers := []string{"+15550000001", "+15550000002", "+15550000003"}
	for i, n := range numbers {
		entry := &Entry{
			ID:        "ovr_list_" + n[len(n)-1:],
			Number:    n,
			Action:    ActionBlock,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := store.Set(ctx, entry); err != nil {
			t.Fatalf("set %s: %v", n, err)
		}
	}

	listed, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("limit ignored: %d entries", len(listed))
	}
	if listed[0].Number != "+15550000003" {
		t.Errorf("expected newest first, got %s", listed[0].Number)
	}

	if err := store.Remove(ctx, "+15550000001", ActionBlock); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove(ctx, "+15550000001", ActionBlock); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove: expected ErrNotFound, got %v", err)
	}

	if err := store.RemoveByID(ctx, "ovr_list_2"); err != nil {
		t.Fatalf("remove by id: %v", err)
	}
	if err := store.RemoveByID(ctx, "ovr_list_2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove by id: expected ErrNotFound, got %v", err)
	}
}
