// Package meshkeys implements the per-peer pre-shared key store: generation,
// atomic disk persistence with restricted permissions, and lookup.
package meshkeys

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const pskSize = 32

// KeyRecord is one entry owned by the KeyStore.
type KeyRecord struct {
	PSK        []byte    `json:"psk"`
	Name       string    `json:"name"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// KeyStore persists node_id -> KeyRecord to a JSON file with
// process-readable-only permissions. The Mesh Channel is the sole writer, so
// no concurrency guard beyond the in-process mutex is required.
type KeyStore struct {
	path string

	mu      sync.Mutex
	records map[string]KeyRecord
}

// New creates a KeyStore backed by path. Call Load to populate it from disk.
func New(path string) *KeyStore {
	return &KeyStore{
		path:    path,
		records: make(map[string]KeyRecord),
	}
}

// Add generates a fresh cryptographically random 32-byte PSK for node_id,
// recording it alongside displayName and the current time. If node_id
// already exists, this rotates its key. The store is persisted before
// returning.
func (ks *KeyStore) Add(nodeID, displayName string) ([]byte, error) {
	psk := make([]byte, pskSize)
	if _, err := rand.Read(psk); err != nil {
		return nil, fmt.Errorf("meshkeys: generate psk: %w", err)
	}

	ks.mu.Lock()
	ks.records[nodeID] = KeyRecord{
		PSK:        psk,
		Name:       displayName,
		EnrolledAt: time.Now(),
	}
	ks.mu.Unlock()

	if err := ks.Save(); err != nil {
		return nil, err
	}
	return psk, nil
}

// Remove deletes node_id's key record and persists the change.
func (ks *KeyStore) Remove(nodeID string) error {
	ks.mu.Lock()
	delete(ks.records, nodeID)
	ks.mu.Unlock()
	return ks.Save()
}

// Get returns node_id's PSK, or false if it has none.
func (ks *KeyStore) Get(nodeID string) ([]byte, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	rec, ok := ks.records[nodeID]
	if !ok {
		return nil, false
	}
	return rec.PSK, true
}

// KeySummary is the list-view of an enrolled key: no PSK exposed.
type KeySummary struct {
	NodeID     string
	Name       string
	EnrolledAt time.Time
}

// List returns every enrolled key's metadata, never the PSK bytes.
func (ks *KeyStore) List() []KeySummary {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	out := make([]KeySummary, 0, len(ks.records))
	for nodeID, rec := range ks.records {
		out = append(out, KeySummary{NodeID: nodeID, Name: rec.Name, EnrolledAt: rec.EnrolledAt})
	}
	return out
}

// persistedRecord is the on-disk shape: PSK is hex-encoded so the file stays
// readable JSON rather than raw binary inside a string.
type persistedRecord struct {
	PSKHex     string    `json:"psk_hex"`
	Name       string    `json:"name"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// Save atomically writes the full key map to disk (write-to-tmp then
// rename), with mode 0600 so only this process's owner can read key
// material.
func (ks *KeyStore) Save() error {
	ks.mu.Lock()
	snapshot := make(map[string]persistedRecord, len(ks.records))
	for nodeID, rec := range ks.records {
		snapshot[nodeID] = persistedRecord{
			PSKHex:     hex.EncodeToString(rec.PSK),
			Name:       rec.Name,
			EnrolledAt: rec.EnrolledAt,
		}
	}
	ks.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("meshkeys: marshal: %w", err)
	}

	dir := filepath.Dir(ks.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("meshkeys: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".mesh_keys-*.tmp")
	if err != nil {
		return fmt.Errorf("meshkeys: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("meshkeys: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("meshkeys: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("meshkeys: chmod: %w", err)
	}
	if err := os.Rename(tmpPath, ks.path); err != nil {
		return fmt.Errorf("meshkeys: rename: %w", err)
	}
	return nil
}

// Load reads the key file from disk, silently leaving the store empty if the
// file does not exist.
func (ks *KeyStore) Load() error {
	data, err := os.ReadFile(ks.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("meshkeys: read: %w", err)
	}

	var snapshot map[string]persistedRecord
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("meshkeys: unmarshal: %w", err)
	}

	records := make(map[string]KeyRecord, len(snapshot))
	for nodeID, pr := range snapshot {
		psk, err := hex.DecodeString(pr.PSKHex)
		if err != nil {
			continue
		}
		records[nodeID] = KeyRecord{PSK: psk, Name: pr.Name, EnrolledAt: pr.EnrolledAt}
	}

	ks.mu.Lock()
	ks.records = records
	ks.mu.Unlock()
	return nil
}
