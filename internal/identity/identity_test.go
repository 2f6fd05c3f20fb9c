package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesIdentityOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	id, err := Load(dir, "test-worker")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.HasPrefix(id.DID(), "did:key:z") {
		t.Fatalf("unexpected DID form %q", id.DID())
	}
	if id.DisplayName() != "test-worker" {
		t.Fatalf("display name = %q", id.DisplayName())
	}
	if _, err := os.Stat(filepath.Join(dir, "encoder-identity")); err != nil {
		t.Fatalf("identity file missing: %v", err)
	}
}

func TestLoadReusesExistingKeypair(t *testing.T) {
	dir := t.TempDir()
	first, err := Load(dir, "one")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := Load(dir, "two")
	if err != nil {
		t.Fatalf("Load second: %v", err)
	}
	if first.DID() != second.DID() {
		t.Fatalf("DID changed across loads: %q vs %q", first.DID(), second.DID())
	}
	if second.DisplayName() != "one" {
		t.Fatalf("display name overwritten on reload: %q", second.DisplayName())
	}
}

func TestRecordCompletionPersists(t *testing.T) {
	dir := t.TempDir()
	id, err := Load(dir, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := id.RecordCompletion(); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	if err := id.RecordCompletion(); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	reloaded, err := Load(dir, "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.TotalJobsCompleted() != 2 {
		t.Fatalf("totalJobsCompleted = %d, want 2", reloaded.TotalJobsCompleted())
	}
}

func TestSignProducesVerifiableEnvelope(t *testing.T) {
	id, err := Load(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	jws, err := id.Sign(map[string]string{"job_id": "job-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		t.Fatalf("expected compact JWS with 3 parts, got %d", len(parts))
	}
	if !id.Verify(jws) {
		t.Fatal("signature failed verification")
	}
	if id.Verify(parts[0] + "." + parts[1] + ".AAAA") {
		t.Fatal("tampered signature verified")
	}
}

func TestLoadRejectsCorruptSeed(t *testing.T) {
	dir := t.TempDir()
	payload, _ := json.Marshal(map[string]string{"encoderId": "x", "privateKeySeed": "bad!"})
	if err := os.WriteFile(filepath.Join(dir, "encoder-identity"), payload, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(dir, ""); err == nil {
		t.Fatal("expected error for corrupt seed")
	}
}
