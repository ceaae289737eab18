// Package enrollment implements the PIN-based device enrollment lifecycle:
// PIN generation, ENROLL_REQUEST handling with constant-time proof
// verification, and PBKDF2 one-time-pad PSK delivery.
package enrollment

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ocx/meshhub/internal/meshca"
	"github.com/ocx/meshhub/internal/meshkeys"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
	saltSize         = 16
)

// PendingEnrollment is the single in-flight enrollment window.
type PendingEnrollment struct {
	PIN       string
	ExpiresAt time.Time
	Attempts  int
	Locked    bool
	Used      bool
}

// Config controls PIN generation defaults.
type Config struct {
	PINLength   int
	PINTimeout  time.Duration
	MaxAttempts int
}

// Service owns at most one PendingEnrollment and handles ENROLL_REQUEST
// envelopes against it.
type Service struct {
	cfg  Config
	keys *meshkeys.KeyStore
	ca   *meshca.CA // optional; nil disables device cert issuance

	mu      sync.Mutex
	pending *PendingEnrollment
}

// New constructs an enrollment Service. ca may be nil if local CA issuance is
// disabled.
func New(cfg Config, keys *meshkeys.KeyStore, ca *meshca.CA) *Service {
	if cfg.PINLength <= 0 {
		cfg.PINLength = 6
	}
	if cfg.PINTimeout <= 0 {
		cfg.PINTimeout = 300 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Service{cfg: cfg, keys: keys, ca: ca}
}

// CreatePin generates a uniformly random decimal PIN of cfg.PINLength digits,
// replacing any prior pending enrollment, and returns the plaintext PIN to be
// communicated out-of-band to the device.
func (s *Service) CreatePin() (string, error) {
	pin, err := randomDigits(s.cfg.PINLength)
	if err != nil {
		return "", fmt.Errorf("enrollment: generate pin: %w", err)
	}

	s.mu.Lock()
	s.pending = &PendingEnrollment{
		PIN:       pin,
		ExpiresAt: time.Now().Add(s.cfg.PINTimeout),
	}
	s.mu.Unlock()

	return pin, nil
}

// IsActive reports whether a PendingEnrollment exists and is not yet
// used/locked/expired.
func (s *Service) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActiveLocked()
}

func (s *Service) isActiveLocked() bool {
	p := s.pending
	if p == nil || p.Used || p.Locked {
		return false
	}
	return time.Now().Before(p.ExpiresAt)
}

// CancelPin clears any pending enrollment state.
func (s *Service) CancelPin() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	max := big.NewInt(10)
	for i := range digits {
		d, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + d.Int64())
	}
	return string(digits), nil
}

// Result is the outcome of handling one ENROLL_REQUEST, shaped for direct
// translation into an ENROLL_RESPONSE payload.
type Result struct {
	Status       string // "ok" | "error"
	Reason       string // populated on error
	EncryptedPSK string // hex, populated on success
	Salt         string // hex, populated on success
	CertPEM      string
	KeyPEM       string
	CACertPEM    string
}

func errorResult(reason string) Result {
	return Result{Status: "error", Reason: reason}
}

// Handle processes one ENROLL_REQUEST from sourceNodeID carrying
// displayName and pinProofHex (hex HMAC-SHA256(PIN_utf8, source_node_id_utf8)).
func (s *Service) Handle(sourceNodeID, displayName, pinProofHex string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return errorResult("no_active_enrollment")
	}
	p := s.pending

	if p.Locked {
		return errorResult("locked")
	}
	if time.Now().After(p.ExpiresAt) {
		return errorResult("expired")
	}
	if p.Used {
		return errorResult("already_used")
	}

	expectedProof := computeProof(p.PIN, sourceNodeID)
	gotProof, err := hex.DecodeString(pinProofHex)
	if err != nil || !hmac.Equal(expectedProof, gotProof) {
		p.Attempts++
		if p.Attempts >= s.cfg.MaxAttempts {
			p.Locked = true
			return errorResult("locked")
		}
		return errorResult("invalid_pin")
	}

	psk, err := s.keys.Add(sourceNodeID, displayName)
	if err != nil {
		slog.Error("enrollment: add key failed", "source", sourceNodeID, "error", err)
		return errorResult("internal_error")
	}
	p.Used = true

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		slog.Error("enrollment: generate salt failed", "error", err)
		return errorResult("internal_error")
	}
	derivedKey := pbkdf2.Key([]byte(p.PIN), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	encryptedPSK := xorBytes(psk, derivedKey)

	result := Result{
		Status:       "ok",
		EncryptedPSK: hex.EncodeToString(encryptedPSK),
		Salt:         hex.EncodeToString(salt),
	}

	if s.ca != nil {
		issued, err := s.ca.IssueDeviceCert(sourceNodeID)
		if err != nil {
			slog.Error("enrollment: issue device cert failed", "source", sourceNodeID, "error", err)
		} else {
			result.CertPEM = string(issued.CertPEM)
			result.KeyPEM = string(issued.KeyPEM)
			result.CACertPEM = string(issued.CACertPEM)
		}
	}

	return result
}

func computeProof(pin, sourceNodeID string) []byte {
	mac := hmac.New(sha256.New, []byte(pin))
	mac.Write([]byte(sourceNodeID))
	return mac.Sum(nil)
}

// xorBytes XORs a with b truncated/extended to len(a); used to build the
// one-time pad over the PSK. b is always exactly len(a) here since both are
// fixed to pskSize/dk_len=32.
func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}
