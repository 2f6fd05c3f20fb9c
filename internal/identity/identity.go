// Package identity manages the worker's ed25519 keypair, its did:key form,
// and the signed envelopes required by the gateway protocol.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const identityFileName = "encoder-identity"

// Identity holds the worker keypair and the persisted worker record. Key
// material is read-only after Load; the stats fields are guarded by mu.
type Identity struct {
	path       string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	did        string

	mu     sync.Mutex
	record record
}

type record struct {
	EncoderID          string    `json:"encoderId"`
	DisplayName        string    `json:"displayName"`
	CreatedAt          time.Time `json:"createdAt"`
	TotalJobsCompleted int       `json:"totalJobsCompleted"`
	LastActive         time.Time `json:"lastActive"`
	PrivateKeySeedB64  string    `json:"privateKeySeed"`
}

// Load reads the identity file under dataDir, creating a fresh keypair on
// first run. The display name is only applied when the file is created.
func Load(dataDir, displayName string) (*Identity, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}
	path := filepath.Join(dataDir, identityFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return loadExisting(path, data)
	case errors.Is(err, os.ErrNotExist):
		return createNew(path, displayName)
	default:
		return nil, fmt.Errorf("read identity file: %w", err)
	}
}

func loadExisting(path string, data []byte) (*Identity, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode identity file %s: %w", path, err)
	}
	seed, err := base64.StdEncoding.DecodeString(rec.PrivateKeySeedB64)
	if err != nil {
		return nil, fmt.Errorf("decode identity seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	did := DIDForPublicKey(pub)
	if rec.EncoderID == "" {
		rec.EncoderID = did
	}
	return &Identity{path: path, privateKey: priv, publicKey: pub, did: did, record: rec}, nil
}

func createNew(path, displayName string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	did := DIDForPublicKey(pub)
	if strings.TrimSpace(displayName) == "" {
		displayName = "peertide-worker"
	}
	rec := record{
		EncoderID:         did,
		DisplayName:       displayName,
		CreatedAt:         time.Now().UTC(),
		LastActive:        time.Now().UTC(),
		PrivateKeySeedB64: base64.StdEncoding.EncodeToString(priv.Seed()),
	}
	id := &Identity{path: path, privateKey: priv, publicKey: pub, did: did, record: rec}
	if err := id.persistLocked(); err != nil {
		return nil, err
	}
	return id, nil
}

// DID returns the canonical did:key identifier of the worker.
func (id *Identity) DID() string {
	return id.did
}

// DisplayName returns the persisted worker name.
func (id *Identity) DisplayName() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.record.DisplayName
}

// TotalJobsCompleted reports the lifetime completion counter.
func (id *Identity) TotalJobsCompleted() int {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.record.TotalJobsCompleted
}

// RecordCompletion bumps the completion counter and persists the record.
func (id *Identity) RecordCompletion() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.record.TotalJobsCompleted++
	id.record.LastActive = time.Now().UTC()
	return id.persistLocked()
}

// Touch stamps lastActive and persists the record.
func (id *Identity) Touch() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.record.LastActive = time.Now().UTC()
	return id.persistLocked()
}

func (id *Identity) persistLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(id.path), "identity-*.tmp")
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(id.record); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), id.path)
}

// Sign wraps the payload in the compact JWS envelope the gateway verifies:
// base64url(header).base64url(payload).base64url(signature) with EdDSA and the
// worker DID as kid.
func (id *Identity) Sign(payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	header, err := json.Marshal(map[string]string{
		"alg": "EdDSA",
		"typ": "JWT",
		"kid": id.did,
	})
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	encode := base64.RawURLEncoding.EncodeToString
	signingInput := encode(header) + "." + encode(body)
	signature := ed25519.Sign(id.privateKey, []byte(signingInput))
	return signingInput + "." + encode(signature), nil
}

// Verify checks a compact JWS produced by Sign against the worker public key.
// Used by tests and by the direct API when echoing envelopes.
func (id *Identity) Verify(jws string) bool {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		return false
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	signingInput := parts[0] + "." + parts[1]
	return ed25519.Verify(id.publicKey, []byte(signingInput), signature)
}
