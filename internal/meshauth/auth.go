// Package meshauth implements HMAC envelope authentication and the bounded
// replay (nonce) guard.
package meshauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ocx/meshhub/internal/meshwire"
)

// Errors returned by Verify. Callers drop the connection and must not reveal
// which of these occurred to the sender (avoids turning verification into an
// oracle).
var (
	ErrNoSignature  = errors.New("meshauth: envelope is unsigned")
	ErrUnknownPeer  = errors.New("meshauth: unknown source peer")
	ErrBadSignature = errors.New("meshauth: hmac mismatch")
	ErrStaleNonce   = errors.New("meshauth: timestamp outside nonce window")
	ErrReplay       = errors.New("meshauth: nonce already seen")
)

// PSKLookup resolves a peer's pre-shared key. Implemented by meshkeys.KeyStore.
type PSKLookup interface {
	Get(nodeID string) ([]byte, bool)
}

// BypassSet reports whether an unsigned envelope of this type may still be
// accepted right now (e.g. ENROLL_REQUEST while a PIN is active).
type BypassSet func(t meshwire.MessageType) bool

// Config controls the authenticator's behavior.
type Config struct {
	PSKAuthEnabled       bool
	AllowUnauthenticated bool
	NonceWindow          time.Duration
	// RedisAddr, when set, moves the nonce replay cache to Redis so a
	// restarted or horizontally-scaled Hub process still rejects a replay
	// seen by another instance. Empty keeps the in-memory cache.
	RedisAddr string
}

// nonceStore is the replay-cache backend Authenticator consults. nonceCache
// (in-memory) and RedisNonceCache both implement it.
type nonceStore interface {
	markSeen(source, nonce string, expiry time.Time) bool
}

// Authenticator signs outbound envelopes and verifies inbound ones.
type Authenticator struct {
	cfg     Config
	keys    PSKLookup
	bypass  BypassSet
	nonces  nonceStore
	onReject func(source string, err error)
}

// New creates an Authenticator. bypass may be nil, meaning no type bypasses
// authentication. When cfg.RedisAddr is set, the nonce cache is backed by
// Redis; a failed Redis connection falls back to the in-memory cache rather
// than blocking startup.
func New(cfg Config, keys PSKLookup, bypass BypassSet) *Authenticator {
	if cfg.NonceWindow <= 0 {
		cfg.NonceWindow = 60 * time.Second
	}
	if bypass == nil {
		bypass = func(meshwire.MessageType) bool { return false }
	}

	var nonces nonceStore = newNonceCache()
	if cfg.RedisAddr != "" {
		if store, err := newRedisNonceCache(cfg.RedisAddr); err != nil {
			slog.Warn("meshauth: redis nonce cache unavailable, falling back to in-memory", "addr", cfg.RedisAddr, "error", err)
		} else {
			nonces = store
		}
	}

	return &Authenticator{
		cfg:    cfg,
		keys:   keys,
		bypass: bypass,
		nonces: nonces,
	}
}

// SetRejectObserver registers fn to be called with the peer node_id and
// reason for every Verify failure; used by internal/meshmetrics to maintain
// a reject counter. nil disables the observer (the default).
func (a *Authenticator) SetRejectObserver(fn func(source string, err error)) {
	a.onReject = fn
}

func (a *Authenticator) reject(source string, err error) error {
	if a.onReject != nil {
		a.onReject(source, err)
	}
	return err
}

// Sign computes an 8-byte random nonce and an HMAC-SHA256 signature over
// canonical_bytes(env) || nonce and attaches both to env.
func Sign(env *meshwire.Envelope, psk []byte) error {
	nonceBytes := make([]byte, 8)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("meshauth: generate nonce: %w", err)
	}
	nonceHex := hex.EncodeToString(nonceBytes)
	env.Nonce = nonceHex

	canon, err := env.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("meshauth: canonical bytes: %w", err)
	}

	mac := hmac.New(sha256.New, psk)
	mac.Write(canon)
	mac.Write(nonceBytes)
	env.HMAC = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verify authenticates env: signature presence (subject to the bypass set),
// PSK lookup, HMAC recomputation, timestamp window, then the replay cache,
// pruned lazily. A nil return means "accept"; any non-nil error means "drop
// the connection, log at debug, never reply".
func (a *Authenticator) Verify(env *meshwire.Envelope) error {
	if !a.cfg.PSKAuthEnabled {
		return nil
	}

	if env.HMAC == "" || env.Nonce == "" {
		if a.cfg.AllowUnauthenticated || a.bypass(env.Type) {
			return nil
		}
		return a.reject(env.Source, ErrNoSignature)
	}

	psk, ok := a.keys.Get(env.Source)
	if !ok {
		return a.reject(env.Source, ErrUnknownPeer)
	}

	nonceBytes, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return a.reject(env.Source, ErrBadSignature)
	}
	wantMAC, err := hex.DecodeString(env.HMAC)
	if err != nil {
		return a.reject(env.Source, ErrBadSignature)
	}

	canon, err := env.CanonicalBytes()
	if err != nil {
		return a.reject(env.Source, ErrBadSignature)
	}

	mac := hmac.New(sha256.New, psk)
	mac.Write(canon)
	mac.Write(nonceBytes)
	gotMAC := mac.Sum(nil)

	if !hmac.Equal(gotMAC, wantMAC) {
		return a.reject(env.Source, ErrBadSignature)
	}

	now := float64(time.Now().UnixNano()) / 1e9
	if math.Abs(now-env.Ts) > a.cfg.NonceWindow.Seconds() {
		return a.reject(env.Source, ErrStaleNonce)
	}

	expiry := time.Unix(0, int64(env.Ts*1e9)).Add(a.cfg.NonceWindow)
	if !a.nonces.markSeen(env.Source, env.Nonce, expiry) {
		return a.reject(env.Source, ErrReplay)
	}

	return nil
}

// nonceCache is a bounded, TTL-pruned replay cache keyed by (source, nonce).
type nonceCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newNonceCache() *nonceCache {
	return &nonceCache{entries: make(map[string]time.Time)}
}

// markSeen records (source, nonce) with the given expiry and returns false if
// it was already present (a replay). Expired entries are pruned lazily on
// every insertion so the cache never grows without bound under steady load.
func (c *nonceCache) markSeen(source, nonce string, expiry time.Time) bool {
	key := source + "|" + nonce

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false
	}

	for k, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, k)
		}
	}

	c.entries[key] = expiry
	slog.Debug("meshauth: nonce recorded", "source", source)
	return true
}

// size reports the current number of entries; used by tests that assert the
// cache stays bounded.
func (c *nonceCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
