// Package discovery implements UDP beacon discovery: broadcasting this
// node's presence, listening for peers, and pruning stale entries.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ocx/meshhub/internal/resilience"
	"github.com/ocx/meshhub/internal/transport"
)

// Beacon is the JSON document broadcast every beacon_interval seconds.
type Beacon struct {
	NodeID       string   `json:"node_id"`
	TCPPort      int      `json:"tcp_port"`
	Roles        []string `json:"roles,omitempty"`
	DeviceType   string   `json:"device_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Peer is a freshness-tracked entry in the discovery table.
type Peer struct {
	NodeID       string
	Address      net.IP
	TCPPort      int
	Roles        []string
	DeviceType   string
	Capabilities []string
	LastSeen     time.Time
}

// Config controls beacon timing and thresholds.
type Config struct {
	SelfNodeID      string
	UDPPort         int
	TCPPort         int
	Roles           []string
	DeviceType      string
	Capabilities    []string
	BeaconInterval  time.Duration
	PeerTimeout     time.Duration
}

// Callbacks are invoked from the Service's own goroutines; implementations
// must not block for long or call back into the Service synchronously.
type Callbacks struct {
	OnPeerSeen func(p Peer)
	OnPeerLost func(nodeID string)
}

// Service owns the UDP socket, the peer freshness table, and the
// broadcaster/listener/prune-watchdog background tasks.
type Service struct {
	cfg Config
	cb  Callbacks

	conn *net.UDPConn

	mu    sync.RWMutex
	peers map[string]Peer

	watchdog *resilience.Watchdog

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a discovery Service. Call Start to begin broadcasting and
// listening.
func New(cfg Config, cb Callbacks) *Service {
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = 10 * time.Second
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 30 * time.Second
	}
	return &Service{
		cfg:    cfg,
		cb:     cb,
		peers:  make(map[string]Peer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start opens the UDP socket and launches the beacon broadcaster, the
// receive loop, and the prune watchdog as supervised background tasks.
func (s *Service) Start() error {
	addr := &net.UDPAddr{Port: s.cfg.UDPPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen udp: %w", err)
	}
	s.conn = conn

	s.watchdog = resilience.NewWatchdog("discovery-prune", s.cfg.PeerTimeout/2, s.pruneStale)
	s.watchdog.Start()

	resilience.SupervisedTask(nil, "discovery-broadcast", func(context.Context) error {
		s.broadcastLoop()
		return nil
	})
	resilience.SupervisedTask(nil, "discovery-receive", func(context.Context) error {
		s.receiveLoop()
		return nil
	})

	return nil
}

// Stop closes the socket and stops the prune watchdog. It returns without
// waiting for the broadcast and receive loops to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.conn != nil {
			s.conn.Close()
		}
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
	})
}

func (s *Service) broadcastLoop() {
	ticker := time.NewTicker(s.cfg.BeaconInterval)
	defer ticker.Stop()

	s.sendBeacon()
	for {
		select {
		case <-ticker.C:
			s.sendBeacon()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) sendBeacon() {
	beacon := Beacon{
		NodeID:       s.cfg.SelfNodeID,
		TCPPort:      s.cfg.TCPPort,
		Roles:        s.cfg.Roles,
		DeviceType:   s.cfg.DeviceType,
		Capabilities: s.cfg.Capabilities,
	}
	data, err := json.Marshal(beacon)
	if err != nil {
		slog.Error("discovery: marshal beacon", "error", err)
		return
	}

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.UDPPort}
	if _, err := s.conn.WriteToUDP(data, broadcastAddr); err != nil {
		slog.Debug("discovery: broadcast beacon failed", "error", err)
	}
}

func (s *Service) receiveLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				slog.Debug("discovery: read failed", "error", err)
				continue
			}
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Service) handleDatagram(data []byte, addr *net.UDPAddr) {
	var beacon Beacon
	if err := json.Unmarshal(data, &beacon); err != nil {
		slog.Debug("discovery: bad beacon", "error", err)
		return
	}
	if beacon.NodeID == "" || beacon.NodeID == s.cfg.SelfNodeID {
		return
	}

	now := time.Now()
	s.mu.Lock()
	existing, known := s.peers[beacon.NodeID]
	peer := Peer{
		NodeID:       beacon.NodeID,
		Address:      addr.IP,
		TCPPort:      beacon.TCPPort,
		Roles:        beacon.Roles,
		DeviceType:   beacon.DeviceType,
		Capabilities: beacon.Capabilities,
		LastSeen:     now,
	}
	if known {
		if peer.DeviceType == "" {
			peer.DeviceType = existing.DeviceType
		}
		if len(peer.Capabilities) == 0 {
			peer.Capabilities = existing.Capabilities
		}
	}
	s.peers[beacon.NodeID] = peer
	s.mu.Unlock()

	if !known && s.cb.OnPeerSeen != nil {
		s.cb.OnPeerSeen(peer)
	}
}

func (s *Service) pruneStale() error {
	now := time.Now()
	var lost []string

	s.mu.Lock()
	for nodeID, peer := range s.peers {
		if now.Sub(peer.LastSeen) > s.cfg.PeerTimeout {
			delete(s.peers, nodeID)
			lost = append(lost, nodeID)
		}
	}
	s.mu.Unlock()

	for _, nodeID := range lost {
		if s.cb.OnPeerLost != nil {
			s.cb.OnPeerLost(nodeID)
		}
	}
	return nil
}

// Lookup returns the freshness-table entry for nodeID, if known.
func (s *Service) Lookup(nodeID string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[nodeID]
	return p, ok
}

// ResolveAddress implements internal/transport.PeerResolver by looking the
// node up in the freshness table.
func (s *Service) ResolveAddress(nodeID string) (transport.PeerAddress, bool) {
	p, ok := s.Lookup(nodeID)
	if !ok {
		return transport.PeerAddress{}, false
	}
	return transport.PeerAddress{Host: p.Address.String(), Port: p.TCPPort}, true
}

// Peers returns a snapshot of every currently-known peer.
func (s *Service) Peers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}
