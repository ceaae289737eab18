// Package ota implements chunked firmware transfer: a disk-backed
// FirmwareStore, a per-node session state machine, and a manager driving the
// OTA_* message exchange with timeout enforcement and terminal-session GC.
package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Manifest describes one firmware image available for distribution.
type Manifest struct {
	FirmwareID string `json:"firmware_id"`
	Version    string `json:"version"`
	DeviceType string `json:"device_type"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
}

// FirmwareStore holds firmware binaries on disk under dir/{firmware_id}.bin,
// indexed by a JSON manifest file, and serves chunk reads on demand so a
// multi-megabyte image is never buffered in full.
type FirmwareStore struct {
	dir string

	mu        sync.Mutex
	manifests map[string]Manifest
}

// NewFirmwareStore constructs a store rooted at dir.
func NewFirmwareStore(dir string) *FirmwareStore {
	return &FirmwareStore{dir: dir, manifests: make(map[string]Manifest)}
}

func (s *FirmwareStore) manifestPath() string {
	return filepath.Join(s.dir, "firmware_manifest.json")
}

func (s *FirmwareStore) binPath(firmwareID string) string {
	return filepath.Join(s.dir, firmwareID+".bin")
}

// Load reads the manifest index from disk. A missing file starts empty.
func (s *FirmwareStore) Load() error {
	data, err := os.ReadFile(s.manifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ota: load manifest: %w", err)
	}
	var list []Manifest
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("ota: parse manifest: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests = make(map[string]Manifest, len(list))
	for _, m := range list {
		s.manifests[m.FirmwareID] = m
	}
	return nil
}

func (s *FirmwareStore) persistLocked() error {
	list := make([]Manifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		list = append(list, m)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp := s.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.manifestPath())
}

// AddFirmware writes bytes to disk and records a manifest entry. firmwareID
// is generated if empty.
func (s *FirmwareStore) AddFirmware(firmwareID, version, deviceType string, data []byte) (Manifest, error) {
	if firmwareID == "" {
		firmwareID = uuid.NewString()
	}

	sum := sha256.Sum256(data)
	manifest := Manifest{
		FirmwareID: firmwareID,
		Version:    version,
		DeviceType: deviceType,
		Size:       int64(len(data)),
		SHA256:     hex.EncodeToString(sum[:]),
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("ota: mkdir: %w", err)
	}
	if err := os.WriteFile(s.binPath(firmwareID), data, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("ota: write firmware: %w", err)
	}

	s.mu.Lock()
	s.manifests[firmwareID] = manifest
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// Get returns the manifest for firmwareID.
func (s *FirmwareStore) Get(firmwareID string) (Manifest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[firmwareID]
	return m, ok
}

// ReadChunk reads size bytes at offset from the firmware binary, never
// loading the full image into memory.
func (s *FirmwareStore) ReadChunk(firmwareID string, offset int64, size int) ([]byte, error) {
	f, err := os.Open(s.binPath(firmwareID))
	if err != nil {
		return nil, fmt.Errorf("ota: open firmware: %w", err)
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, fmt.Errorf("ota: read chunk: %w", err)
	}
	return buf[:n], nil
}
