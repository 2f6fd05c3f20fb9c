package pinledger

import (
	"context"
	"testing"
	"time"

	"peertide/internal/testsupport/redisstub"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	ledger, err := Open(context.Background(), Config{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestRecordAndGet(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()
	pinned := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	err := ledger.Record(ctx, Entry{
		Hash:         "QmBundle",
		JobID:        "job-1",
		ContentType:  "hls_bundle",
		SizeBytes:    120 << 20,
		PinTimestamp: pinned,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	entry, ok, err := ledger.Get(ctx, "QmBundle")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("entry not found after Record")
	}
	if entry.JobID != "job-1" || entry.SizeBytes != 120<<20 {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.SyncStatus != SyncPending {
		t.Fatalf("default sync status = %q, want pending", entry.SyncStatus)
	}
	if !entry.PinTimestamp.Equal(pinned) {
		t.Fatalf("pin timestamp = %v, want %v", entry.PinTimestamp, pinned)
	}
}

func TestGetUnknownHash(t *testing.T) {
	ledger := openTestLedger(t)
	_, ok, err := ledger.Get(context.Background(), "QmMissing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("unknown hash reported as present")
	}
}

func TestMarkSyncBumpsAttempts(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()
	ledger.Record(ctx, Entry{Hash: "QmSync"})

	if err := ledger.MarkSync(ctx, "QmSync", SyncSyncing); err != nil {
		t.Fatalf("MarkSync syncing: %v", err)
	}
	if err := ledger.MarkSync(ctx, "QmSync", SyncFailed); err != nil {
		t.Fatalf("MarkSync failed: %v", err)
	}
	if err := ledger.MarkSync(ctx, "QmSync", SyncSynced); err != nil {
		t.Fatalf("MarkSync synced: %v", err)
	}

	entry, _, err := ledger.Get(ctx, "QmSync")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.SyncStatus != SyncSynced {
		t.Fatalf("status = %q, want synced", entry.SyncStatus)
	}
	// syncing and failed each bump the counter; synced does not.
	if entry.SyncAttempts != 2 {
		t.Fatalf("attempts = %d, want 2", entry.SyncAttempts)
	}
	if entry.LastSyncAttempt.IsZero() {
		t.Fatal("last sync attempt not stamped")
	}
}

func TestMarkVerified(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()
	ledger.Record(ctx, Entry{Hash: "QmVerified"})
	if err := ledger.MarkVerified(ctx, "QmVerified"); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	entry, _, _ := ledger.Get(ctx, "QmVerified")
	if !entry.SupernodeVerified {
		t.Fatal("supernode_verified not set")
	}
}

func TestRemoveAndStats(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()
	ledger.Record(ctx, Entry{Hash: "QmKeep"})
	ledger.Record(ctx, Entry{Hash: "QmDrop"})
	ledger.MarkSync(ctx, "QmKeep", SyncSynced)

	if err := ledger.Remove(ctx, "QmDrop"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("Total = %d, want 1", stats.Total)
	}
	if stats.ByStatus[SyncSynced] != 1 {
		t.Fatalf("ByStatus = %+v", stats.ByStatus)
	}
}

func TestNilLedgerIsNoOp(t *testing.T) {
	var ledger *Ledger
	ctx := context.Background()
	if err := ledger.Record(ctx, Entry{Hash: "Qm"}); err != nil {
		t.Fatalf("nil Record: %v", err)
	}
	if err := ledger.MarkSync(ctx, "Qm", SyncSynced); err != nil {
		t.Fatalf("nil MarkSync: %v", err)
	}
	if _, ok, err := ledger.Get(ctx, "Qm"); ok || err != nil {
		t.Fatalf("nil Get = %v/%v", ok, err)
	}
	if err := ledger.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}
