package queuestore

import (
	"context"
	"errors"
	"testing"

	pebblestore "github.com/rzbill/docsync/internal/storage/pebble"
)

func openTestStore(t *testing.T) (*Store, *pebblestore.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := Open(db, DefaultNames(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, db
}

func TestAddAssignsIncreasingIDs(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	a, err := s.Add(ctx, PendingPatients, map[string]string{"first_name": "Ann"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	b, err := s.Add(ctx, PendingPatients, map[string]string{"first_name": "Bo"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("expected ids 1,2 got %d,%d", a.ID, b.ID)
	}
	if a.Timestamp == 0 {
		t.Fatalf("expected capture timestamp")
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Add(ctx, PendingPatients, map[string]string{"first_name": "Ann", "last_name": "Lee"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	pats, err := s.GetAll(ctx, PendingPatients)
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(pats) != 1 || pats[0].Data["first_name"] != "Ann" || pats[0].Data["last_name"] != "Lee" {
		t.Fatalf("unexpected patients: %+v", pats)
	}
	appts, err := s.GetAll(ctx, PendingAppointments)
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(appts) != 0 {
		t.Fatalf("appointments should be untouched, got %d", len(appts))
	}
	// ids are per queue
	e, _ := s.Add(ctx, PendingAppointments, map[string]string{"reason": "checkup"})
	if e.ID != 1 {
		t.Fatalf("expected appointments to start at 1, got %d", e.ID)
	}
}

func TestGetAllIsFIFO(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	clock := int64(1000)
	s.NowMs = func() int64 { clock += 10; return clock }
	for i := 0; i < 300; i++ {
		if _, err := s.Add(ctx, PendingAppointments, map[string]string{"n": string(rune('a' + i%26))}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	all, err := s.GetAll(ctx, PendingAppointments)
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(all) != 300 {
		t.Fatalf("want 300 got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID || all[i-1].Timestamp >= all[i].Timestamp {
			t.Fatalf("out of order at %d: %+v then %+v", i, all[i-1], all[i])
		}
	}
}

func TestDeleteAndGet(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	e, _ := s.Add(ctx, PendingPatients, map[string]string{"x": "1"})
	got, err := s.Get(ctx, PendingPatients, e.ID)
	if err != nil || got.Data["x"] != "1" {
		t.Fatalf("get: %+v %v", got, err)
	}
	if err := s.Delete(ctx, PendingPatients, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, PendingPatients, e.ID); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// idempotent
	if err := s.Delete(ctx, PendingPatients, e.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestUnknownQueue(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Add(ctx, "pending-invoices", nil); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue, got %v", err)
	}
	if _, err := s.GetAll(ctx, "pending-invoices"); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue, got %v", err)
	}
}

func TestIDsNotReusedAcrossReopenOrClear(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	s, err := Open(db, DefaultNames(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	first, _ := s.Add(ctx, PendingPatients, map[string]string{"a": "1"})
	if err := s.Clear(ctx, PendingPatients); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.Count(ctx, PendingPatients); n != 0 {
		t.Fatalf("expected empty after clear, got %d", n)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	s2, err := Open(db2, DefaultNames(), nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	next, err := s2.Add(ctx, PendingPatients, map[string]string{"a": "2"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if next.ID <= first.ID {
		t.Fatalf("id reused: first=%d next=%d", first.ID, next.ID)
	}
	metas, err := Registered(db2)
	if err != nil || len(metas) != 2 {
		t.Fatalf("registry: %+v %v", metas, err)
	}
}

func TestAddCopiesPayload(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	data := map[string]string{"k": "v"}
	e, _ := s.Add(ctx, PendingPatients, data)
	data["k"] = "mutated"
	got, _ := s.Get(ctx, PendingPatients, e.ID)
	if got.Data["k"] != "v" {
		t.Fatalf("stored entry changed with caller map: %v", got.Data)
	}
}
