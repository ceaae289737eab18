package ota

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/meshhub/internal/meshwire"
	"github.com/ocx/meshhub/internal/resilience"
)

// Sender is the subset of internal/transport.Transport the OTA manager needs
// to push offers and chunks with retry.
type Sender interface {
	SendWithRetry(ctx context.Context, env *meshwire.Envelope, policy resilience.RetryPolicy) bool
}

// Config holds the OTA transfer timeouts and defaults.
type Config struct {
	ChunkSize        int
	OfferTimeout     time.Duration
	ChunkAckTimeout  time.Duration
	VerifyTimeout    time.Duration
	GCAge            time.Duration
	WatchdogInterval time.Duration
}

// DefaultConfig returns the standard OTA timing defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        4096,
		OfferTimeout:     60 * time.Second,
		ChunkAckTimeout:  30 * time.Second,
		VerifyTimeout:    60 * time.Second,
		GCAge:            5 * time.Minute,
		WatchdogInterval: 10 * time.Second,
	}
}

// Manager drives the OTA_* message exchange and enforces the session state
// machine's timeouts. KeyStore/Registry-style ownership: Manager is the sole
// mutator of its session table.
type Manager struct {
	cfg        Config
	store      *FirmwareStore
	sender     Sender
	selfNodeID string

	mu         sync.Mutex
	sessions   SessionStore
	observer   func(nodeID string, state SessionState)

	watchdog *resilience.Watchdog
}

// NewManager constructs a Manager backed by an in-memory session table.
// sender is typically *transport.Transport. Zero-valued cfg fields take the
// DefaultConfig values.
func NewManager(cfg Config, store *FirmwareStore, sender Sender, selfNodeID string) *Manager {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = def.OfferTimeout
	}
	if cfg.ChunkAckTimeout <= 0 {
		cfg.ChunkAckTimeout = def.ChunkAckTimeout
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = def.VerifyTimeout
	}
	if cfg.GCAge <= 0 {
		cfg.GCAge = def.GCAge
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		sender:     sender,
		selfNodeID: selfNodeID,
		sessions:   newMemoryStore(),
	}
}

// NewManagerWithStore constructs a Manager backed by an arbitrary
// SessionStore, e.g. a RedisSessionStore for restart-durable tracking.
func NewManagerWithStore(cfg Config, store *FirmwareStore, sender Sender, selfNodeID string, sessions SessionStore) *Manager {
	m := NewManager(cfg, store, sender, selfNodeID)
	m.sessions = sessions
	return m
}

// SetObserver registers fn to be called whenever a session transitions to a
// new state; used by internal/meshmetrics to maintain a sessions-by-state
// gauge. nil disables the observer (the default).
func (m *Manager) SetObserver(fn func(nodeID string, state SessionState)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

func (m *Manager) notify(nodeID string, state SessionState) {
	if m.observer != nil {
		m.observer(nodeID, state)
	}
}

// Snapshot returns every tracked session, for metrics and diagnostics.
func (m *Manager) Snapshot() []Session {
	all := m.sessions.all()
	out := make([]Session, 0, len(all))
	for _, s := range all {
		out = append(out, *s)
	}
	return out
}

// Start launches the timeout/GC watchdog.
func (m *Manager) Start() {
	m.watchdog = resilience.NewWatchdog("ota-timeouts", m.cfg.WatchdogInterval, func() error {
		m.enforceTimeouts(time.Now())
		m.gc(time.Now())
		return nil
	})
	m.watchdog.Start()
}

// Stop halts the watchdog.
func (m *Manager) Stop() {
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
}

// Session returns the current session for nodeID, if any.
func (m *Manager) Session(nodeID string) (Session, bool) {
	s, ok := m.sessions.get(nodeID)
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// StartTransfer offers firmwareID to nodeID. Fails if nodeID already has a
// non-terminal session.
func (m *Manager) StartTransfer(nodeID, firmwareID string) (Session, error) {
	manifest, ok := m.store.Get(firmwareID)
	if !ok {
		return Session{}, fmt.Errorf("ota: unknown firmware_id: %s", firmwareID)
	}

	if existing, ok := m.sessions.get(nodeID); ok && !existing.State.IsTerminal() {
		return Session{}, fmt.Errorf("ota: node %s already has an active session", nodeID)
	}

	chunkSize := m.cfg.ChunkSize
	totalChunks := int((manifest.Size + int64(chunkSize) - 1) / int64(chunkSize))
	now := time.Now()
	session := &Session{
		NodeID:      nodeID,
		FirmwareID:  firmwareID,
		State:       StateOffered,
		TotalChunks: totalChunks,
		ChunkSize:   chunkSize,
		SHA256:      manifest.SHA256,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.sessions.set(nodeID, session)
	m.notify(nodeID, session.State)

	m.sender.SendWithRetry(context.Background(), &meshwire.Envelope{
		Type:   meshwire.TypeOTAOffer,
		Source: m.selfNodeID,
		Target: nodeID,
		Payload: map[string]interface{}{
			"firmware_id": firmwareID,
			"version":     manifest.Version,
			"size":        manifest.Size,
			"sha256":      manifest.SHA256,
			"chunk_size":  chunkSize,
		},
	}, resilience.DefaultRetryPolicy())

	return *session, nil
}

// Handle dispatches one inbound OTA_* envelope to the matching session. A
// frame carrying a firmware_id that doesn't match the node's session is
// ignored.
func (m *Manager) Handle(env *meshwire.Envelope) {
	if fid, ok := env.Payload["firmware_id"].(string); ok && fid != "" {
		if s, exists := m.sessions.get(env.Source); exists && s.FirmwareID != fid {
			slog.Debug("ota: firmware_id mismatch, ignoring", "node", env.Source, "got", fid, "want", s.FirmwareID)
			return
		}
	}

	switch env.Type {
	case meshwire.TypeOTAAccept:
		m.handleAccept(env.Source)
	case meshwire.TypeOTAReject:
		reason, _ := env.Payload["reason"].(string)
		m.handleReject(env.Source, reason)
	case meshwire.TypeOTAChunkAck:
		seq, _ := env.Payload["seq"].(float64)
		m.handleChunkAck(env.Source, int(seq))
	case meshwire.TypeOTAVerify:
		sha, _ := env.Payload["sha256"].(string)
		m.handleVerify(env.Source, sha)
	case meshwire.TypeOTAAbort:
		reason, _ := env.Payload["reason"].(string)
		m.transitionToFailed(env.Source, reason)
	}
}

func (m *Manager) handleAccept(nodeID string) {
	s, ok := m.sessions.get(nodeID)
	if !ok || s.State != StateOffered {
		return
	}
	s.State = StateTransferring
	s.NextSeq = 0
	s.touch(time.Now())
	m.sessions.set(nodeID, s)
	m.notify(nodeID, s.State)

	m.sendChunk(nodeID, s.FirmwareID, 0, s.ChunkSize)
}

func (m *Manager) handleReject(nodeID, reason string) {
	s, ok := m.sessions.get(nodeID)
	if !ok || s.State.IsTerminal() {
		return
	}
	s.State = StateRejected
	s.Reason = reason
	s.touch(time.Now())
	m.sessions.set(nodeID, s)
	m.notify(nodeID, s.State)
}

func (m *Manager) handleChunkAck(nodeID string, seq int) {
	s, ok := m.sessions.get(nodeID)
	if !ok || s.State != StateTransferring {
		return
	}
	if seq != s.NextSeq-1 {
		return
	}
	s.AckedSeq = seq
	s.touch(time.Now())
	m.sessions.set(nodeID, s)

	if s.NextSeq >= s.TotalChunks {
		return
	}
	m.sendChunk(nodeID, s.FirmwareID, s.NextSeq, s.ChunkSize)
}

func (m *Manager) sendChunk(nodeID, firmwareID string, seq, chunkSize int) {
	data, err := m.store.ReadChunk(firmwareID, int64(seq)*int64(chunkSize), chunkSize)
	if err != nil {
		slog.Error("ota: read chunk failed", "node", nodeID, "seq", seq, "error", err)
		m.transitionToFailed(nodeID, "chunk_read_error")
		return
	}

	total := 0
	if s, ok := m.sessions.get(nodeID); ok {
		s.NextSeq = seq + 1
		total = s.TotalChunks
		m.sessions.set(nodeID, s)
	}

	m.sender.SendWithRetry(context.Background(), &meshwire.Envelope{
		Type:   meshwire.TypeOTAChunk,
		Source: m.selfNodeID,
		Target: nodeID,
		Payload: map[string]interface{}{
			"seq":   seq,
			"data":  base64.StdEncoding.EncodeToString(data),
			"total": total,
		},
	}, resilience.DefaultRetryPolicy())
}

func (m *Manager) handleVerify(nodeID, sha256hex string) {
	s, ok := m.sessions.get(nodeID)
	if !ok || s.State != StateTransferring {
		return
	}
	s.State = StateVerifying
	s.touch(time.Now())
	matches := sha256hex == s.SHA256
	m.sessions.set(nodeID, s)
	m.notify(nodeID, s.State)

	if matches {
		s.State = StateComplete
		s.touch(time.Now())
		m.sessions.set(nodeID, s)
		m.notify(nodeID, s.State)
		m.sender.SendWithRetry(context.Background(), &meshwire.Envelope{
			Type:   meshwire.TypeOTAComplete,
			Source: m.selfNodeID,
			Target: nodeID,
		}, resilience.DefaultRetryPolicy())
		return
	}

	m.transitionToFailed(nodeID, "hash_mismatch")
}

// Abort allows Hub-initiated cancellation from any non-terminal state.
func (m *Manager) Abort(nodeID, reason string) {
	m.transitionToFailed(nodeID, reason)
}

func (m *Manager) transitionToFailed(nodeID, reason string) {
	s, ok := m.sessions.get(nodeID)
	if !ok || s.State.IsTerminal() {
		return
	}
	s.State = StateFailed
	s.Reason = reason
	s.touch(time.Now())
	m.sessions.set(nodeID, s)
	m.notify(nodeID, s.State)

	m.sender.SendWithRetry(context.Background(), &meshwire.Envelope{
		Type:   meshwire.TypeOTAAbort,
		Source: m.selfNodeID,
		Target: nodeID,
		Payload: map[string]interface{}{
			"reason": reason,
		},
	}, resilience.DefaultRetryPolicy())
}

func (m *Manager) enforceTimeouts(now time.Time) {
	var timedOut []string
	for nodeID, s := range m.sessions.all() {
		var limit time.Duration
		switch s.State {
		case StateOffered:
			limit = m.cfg.OfferTimeout
		case StateTransferring:
			limit = m.cfg.ChunkAckTimeout
		case StateVerifying:
			limit = m.cfg.VerifyTimeout
		default:
			continue
		}
		if now.Sub(s.UpdatedAt) > limit {
			timedOut = append(timedOut, nodeID)
		}
	}

	for _, nodeID := range timedOut {
		m.transitionToFailed(nodeID, "timeout")
	}
}

func (m *Manager) gc(now time.Time) {
	for nodeID, s := range m.sessions.all() {
		if s.State.IsTerminal() && now.Sub(s.UpdatedAt) > m.cfg.GCAge {
			m.sessions.delete(nodeID)
		}
	}
}
