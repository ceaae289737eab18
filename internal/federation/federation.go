// Package federation implements hub-to-hub mesh federation: a persistent
// keepalive'd link per peer Hub, remote device view replication via
// FEDERATION_SYNC, and command forwarding with correlation-ID-matched
// responses.
package federation

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/meshhub/internal/command"
	"github.com/ocx/meshhub/internal/meshca"
	"github.com/ocx/meshhub/internal/meshwire"
	"github.com/ocx/meshhub/internal/registry"
)

// PeerHub identifies one federated peer to dial.
type PeerHub struct {
	HubID string
	Host  string
	Port  int
}

// Config configures the Manager and every HubLink it owns.
type Config struct {
	SelfHubID         string
	Peers             []PeerHub
	SyncInterval      time.Duration
	KeepaliveInterval time.Duration
	CommandTimeout    time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	TLSEnabled        bool
	DialTimeout       time.Duration
}

// DefaultConfig returns the standard federation timing defaults.
func DefaultConfig(selfHubID string) Config {
	return Config{
		SelfHubID:          selfHubID,
		SyncInterval:       30 * time.Second,
		KeepaliveInterval:  15 * time.Second,
		CommandTimeout:     10 * time.Second,
		ReconnectBaseDelay: 2 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		DialTimeout:        5 * time.Second,
	}
}

// RemoteDevice is one device entry as reported by a federated peer's SYNC.
type RemoteDevice struct {
	NodeID       string                 `json:"node_id"`
	DeviceType   string                 `json:"device_type"`
	Name         string                 `json:"name"`
	Online       bool                   `json:"online"`
	State        map[string]interface{} `json:"state"`
	Capabilities []string               `json:"capabilities"`
}

// CommandExecutor actuates a command against a local device and returns the
// device's actual outcome. Installed by the channel so this package never
// needs a reference back to it.
type CommandExecutor func(cmd command.Command) command.Response

// Manager owns every peer HubLink, the replicated remote-device view, and
// the correlation-ID-matched pending command table.
type Manager struct {
	cfg      Config
	reg      *registry.Registry
	ca       *meshca.CA // optional, nil disables TLS dialing
	executor CommandExecutor

	mu      sync.RWMutex
	links   map[string]*HubLink
	inbound map[string]*inboundLink   // hub_id -> connection the peer opened
	remote  map[string][]RemoteDevice // hub_id -> devices

	pendingMu sync.Mutex
	pending   map[string]chan *meshwire.Envelope // correlation_id -> response channel
}

// New constructs a Manager. reg is the local device registry inbound
// FEDERATION_COMMAND targets are resolved against; the actual execution goes
// through the CommandExecutor installed via SetCommandExecutor. ca is
// optional (nil if TLS is disabled for federation links).
func New(cfg Config, reg *registry.Registry, ca *meshca.CA) *Manager {
	def := DefaultConfig(cfg.SelfHubID)
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	return &Manager{
		cfg:     cfg,
		reg:     reg,
		ca:      ca,
		links:   make(map[string]*HubLink),
		inbound: make(map[string]*inboundLink),
		remote:  make(map[string][]RemoteDevice),
		pending: make(map[string]chan *meshwire.Envelope),
	}
}

// SetCommandExecutor installs the handle inbound FEDERATION_COMMANDs are
// executed through. Must be called before Start; a Manager without one
// answers forwarded commands with an error.
func (m *Manager) SetCommandExecutor(fn CommandExecutor) {
	m.executor = fn
}

// Start dials every configured peer and launches its lifecycle loop, plus
// this hub's own SYNC broadcaster.
func (m *Manager) Start(ctx context.Context) {
	for _, peer := range m.cfg.Peers {
		link := newHubLink(peer, m.cfg, m.ca, m.dispatch)
		m.mu.Lock()
		m.links[peer.HubID] = link
		m.mu.Unlock()
		link.Start(ctx)
	}
	go m.syncLoop(ctx)
}

// Stop tears down every HubLink and closes every inbound peer connection.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, link := range m.links {
		link.Stop()
	}
	for _, link := range m.inbound {
		link.close()
	}
}

func (m *Manager) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.broadcastSync()
		}
	}
}

func (m *Manager) broadcastSync() {
	devices := make([]map[string]interface{}, 0)
	for _, d := range m.reg.ListOnline() {
		caps := make([]string, 0, len(d.Capabilities))
		for _, c := range d.Capabilities {
			caps = append(caps, c.Name)
		}
		devices = append(devices, map[string]interface{}{
			"node_id":      d.NodeID,
			"device_type":  d.DeviceType,
			"name":         d.DisplayName,
			"online":       d.Online,
			"state":        d.State,
			"capabilities": caps,
		})
	}

	env := &meshwire.Envelope{
		Type:   meshwire.TypeFederationSync,
		Source: m.cfg.SelfHubID,
		Payload: map[string]interface{}{
			"hub_id":  m.cfg.SelfHubID,
			"devices": devices,
		},
	}

	m.mu.RLock()
	hubIDs := make(map[string]bool, len(m.links)+len(m.inbound))
	for hubID := range m.links {
		hubIDs[hubID] = true
	}
	for hubID := range m.inbound {
		hubIDs[hubID] = true
	}
	m.mu.RUnlock()

	for hubID := range hubIDs {
		m.sendToHub(hubID, env)
	}
}

// sendToHub writes env to hubID over whichever path is live: the outbound
// HubLink this hub dialed, or the inbound connection the peer dialed. A hub
// pair where only one side lists the other in its federation config still
// gets bidirectional traffic this way.
func (m *Manager) sendToHub(hubID string, env *meshwire.Envelope) bool {
	m.mu.RLock()
	link := m.links[hubID]
	in := m.inbound[hubID]
	m.mu.RUnlock()

	if link != nil && link.Connected() && link.Send(env) {
		return true
	}
	if in != nil {
		return in.send(env, m.cfg.DialTimeout)
	}
	return false
}

// HandleInbound takes ownership of a connection a peer hub opened toward this
// hub, whose first frame was hello. Registered with the transport as its
// FederationConnHandler; blocks serving the connection until it drops, so the
// transport's per-connection task is the read loop.
func (m *Manager) HandleInbound(conn net.Conn, hello *meshwire.Envelope) {
	hubID, _ := hello.Payload["hub_id"].(string)
	if hubID == "" {
		hubID = hello.Source
	}
	if hubID == "" || hubID == m.cfg.SelfHubID {
		conn.Close()
		return
	}

	link := &inboundLink{hubID: hubID, conn: conn}
	m.mu.Lock()
	if prior := m.inbound[hubID]; prior != nil {
		prior.close()
	}
	m.inbound[hubID] = link
	m.mu.Unlock()
	slog.Info("federation: peer hub connected", "hub", hubID)

	for {
		conn.SetReadDeadline(time.Now().Add(m.cfg.KeepaliveInterval * 3))
		env := meshwire.ReadEnvelope(conn, meshwire.DefaultMaxFrameSize)
		if env == nil {
			break
		}
		switch env.Type {
		case meshwire.TypeFederationPing:
			link.send(&meshwire.Envelope{Type: meshwire.TypeFederationPong, Source: m.cfg.SelfHubID}, m.cfg.DialTimeout)
		case meshwire.TypeFederationPong, meshwire.TypeFederationHello:
			// liveness only
		default:
			m.dispatch(hubID, env)
		}
	}

	link.close()
	m.mu.Lock()
	if m.inbound[hubID] == link {
		delete(m.inbound, hubID)
	}
	m.mu.Unlock()
	slog.Info("federation: peer hub disconnected", "hub", hubID)
}

// HandleEnvelope serves a federation envelope that arrived as an ordinary
// single-shot mesh frame rather than over a held-open link, attributing it to
// the hub named in its payload (or its envelope source).
func (m *Manager) HandleEnvelope(env *meshwire.Envelope) {
	fromHub, _ := env.Payload["hub_id"].(string)
	if fromHub == "" {
		fromHub = env.Source
	}
	if fromHub == "" {
		return
	}
	m.dispatch(fromHub, env)
}

// BroadcastState pushes a single device's state change to every peer hub, so
// remote views converge between full SYNC rounds.
func (m *Manager) BroadcastState(nodeID string, state map[string]interface{}) {
	env := &meshwire.Envelope{
		Type:   meshwire.TypeFederationState,
		Source: m.cfg.SelfHubID,
		Payload: map[string]interface{}{
			"hub_id":  m.cfg.SelfHubID,
			"node_id": nodeID,
			"state":   state,
		},
	}

	m.mu.RLock()
	hubIDs := make(map[string]bool, len(m.links)+len(m.inbound))
	for hubID := range m.links {
		hubIDs[hubID] = true
	}
	for hubID := range m.inbound {
		hubIDs[hubID] = true
	}
	m.mu.RUnlock()

	for hubID := range hubIDs {
		m.sendToHub(hubID, env)
	}
}

// dispatch handles one inbound envelope on any HubLink.
func (m *Manager) dispatch(fromHub string, env *meshwire.Envelope) {
	switch env.Type {
	case meshwire.TypeFederationSync:
		m.handleSync(env)
	case meshwire.TypeFederationCommand:
		m.handleCommand(fromHub, env)
	case meshwire.TypeFederationResponse:
		m.handleResponse(env)
	case meshwire.TypeFederationState:
		m.handleState(fromHub, env)
	}
}

func (m *Manager) handleSync(env *meshwire.Envelope) {
	hubID, _ := env.Payload["hub_id"].(string)
	if hubID == "" {
		return
	}
	rawDevices, _ := env.Payload["devices"].([]interface{})

	devices := make([]RemoteDevice, 0, len(rawDevices))
	for _, raw := range rawDevices {
		d, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		devices = append(devices, remoteDeviceFromMap(d))
	}

	m.mu.Lock()
	m.remote[hubID] = devices
	m.mu.Unlock()
}

func remoteDeviceFromMap(d map[string]interface{}) RemoteDevice {
	nodeID, _ := d["node_id"].(string)
	deviceType, _ := d["device_type"].(string)
	name, _ := d["name"].(string)
	online, _ := d["online"].(bool)
	state, _ := d["state"].(map[string]interface{})
	rawCaps, _ := d["capabilities"].([]interface{})
	caps := make([]string, 0, len(rawCaps))
	for _, c := range rawCaps {
		if s, ok := c.(string); ok {
			caps = append(caps, s)
		}
	}
	return RemoteDevice{NodeID: nodeID, DeviceType: deviceType, Name: name, Online: online, State: state, Capabilities: caps}
}

func (m *Manager) handleState(fromHub string, env *meshwire.Envelope) {
	nodeID, _ := env.Payload["node_id"].(string)
	state, _ := env.Payload["state"].(map[string]interface{})
	if nodeID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	devices := m.remote[fromHub]
	for i := range devices {
		if devices[i].NodeID == nodeID {
			if devices[i].State == nil {
				devices[i].State = make(map[string]interface{})
			}
			for k, v := range state {
				devices[i].State[k] = v
			}
			return
		}
	}
}

// handleCommand resolves an inbound FEDERATION_COMMAND to a local device
// command, runs it through the installed executor, and relays the device's
// actual outcome back to the requesting hub. The execute-and-reply runs in
// its own goroutine so a slow device doesn't stall the link's receive loop.
func (m *Manager) handleCommand(fromHub string, env *meshwire.Envelope) {
	targetNode, _ := env.Payload["target_node"].(string)
	capability, _ := env.Payload["capability"].(string)
	value := env.Payload["value"]
	correlationID, _ := env.Payload["correlation_id"].(string)

	go func() {
		var resp command.Response
		switch {
		case m.executor == nil:
			resp = command.Response{Device: targetNode, Status: command.StatusError, Error: "no command executor configured"}
		default:
			if _, ok := m.reg.Get(targetNode); !ok {
				resp = command.Response{Device: targetNode, Status: command.StatusError, Error: "unknown device: " + targetNode}
			} else {
				resp = m.executor(command.Command{
					Device:     targetNode,
					ActionKind: command.ActionSet,
					Capability: capability,
					Params:     map[string]interface{}{"value": value},
				})
			}
		}

		m.sendToHub(fromHub, &meshwire.Envelope{
			Type:   meshwire.TypeFederationResponse,
			Source: m.cfg.SelfHubID,
			Payload: map[string]interface{}{
				"correlation_id": correlationID,
				"status":         string(resp.Status),
				"value":          resp.Value,
				"error":          resp.Error,
			},
		})
	}()
}

func (m *Manager) handleResponse(env *meshwire.Envelope) {
	correlationID, _ := env.Payload["correlation_id"].(string)
	if correlationID == "" {
		return
	}

	m.pendingMu.Lock()
	ch, ok := m.pending[correlationID]
	m.pendingMu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- env:
	default:
	}
}

// IsRemote reports whether nodeID is known via any peer's SYNC replica.
func (m *Manager) IsRemote(nodeID string) bool {
	_, ok := m.HubFor(nodeID)
	return ok
}

// HubFor returns the hub_id owning nodeID, if known remotely.
func (m *Manager) HubFor(nodeID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for hubID, devices := range m.remote {
		for _, d := range devices {
			if d.NodeID == nodeID {
				return hubID, true
			}
		}
	}
	return "", false
}

// ListRemote returns every known remote device across all peers.
func (m *Manager) ListRemote() []RemoteDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RemoteDevice
	for _, devices := range m.remote {
		out = append(out, devices...)
	}
	return out
}

// AllFederated returns the full hub_id -> devices replica.
func (m *Manager) AllFederated() map[string][]RemoteDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]RemoteDevice, len(m.remote))
	for k, v := range m.remote {
		out[k] = append([]RemoteDevice(nil), v...)
	}
	return out
}

// ListHubs returns every known peer hub_id: configured peers plus any hub
// currently holding an inbound connection, sorted for stable output.
func (m *Manager) ListHubs() []string {
	m.mu.RLock()
	seen := make(map[string]bool, len(m.links)+len(m.inbound))
	for hubID := range m.links {
		seen[hubID] = true
	}
	for hubID := range m.inbound {
		seen[hubID] = true
	}
	m.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for hubID := range seen {
		out = append(out, hubID)
	}
	sort.Strings(out)
	return out
}

// LinkConnected reports whether the named peer hub currently has a live
// connection; used by internal/meshmetrics to maintain a per-link gauge.
func (m *Manager) LinkConnected(hubID string) bool {
	m.mu.RLock()
	link := m.links[hubID]
	in := m.inbound[hubID]
	m.mu.RUnlock()
	return (link != nil && link.Connected()) || in != nil
}

// ForwardCommand sends a FEDERATION_COMMAND to the hub owning nodeID and
// blocks for its FEDERATION_RESPONSE up to CommandTimeout. An unreachable
// peer (link disconnected) degrades to an immediate error Response rather
// than blocking callers on a dead link.
func (m *Manager) ForwardCommand(nodeID, capability string, value interface{}) command.Response {
	hubID, ok := m.HubFor(nodeID)
	if !ok {
		return command.Response{Device: nodeID, Status: command.StatusError, Error: "device is not federated"}
	}

	m.mu.RLock()
	link := m.links[hubID]
	in := m.inbound[hubID]
	m.mu.RUnlock()
	if (link == nil || !link.Connected()) && in == nil {
		return command.Response{Device: nodeID, Status: command.StatusError, Error: "hub unreachable: " + hubID}
	}

	correlationID := uuid.NewString()
	respCh := make(chan *meshwire.Envelope, 1)
	m.pendingMu.Lock()
	m.pending[correlationID] = respCh
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, correlationID)
		m.pendingMu.Unlock()
	}()

	m.sendToHub(hubID, &meshwire.Envelope{
		Type:   meshwire.TypeFederationCommand,
		Source: m.cfg.SelfHubID,
		Payload: map[string]interface{}{
			"correlation_id": correlationID,
			"target_node":    nodeID,
			"capability":     capability,
			"value":          value,
		},
	})

	select {
	case env := <-respCh:
		status, _ := env.Payload["status"].(string)
		errMsg, _ := env.Payload["error"].(string)
		resp := command.Response{Device: nodeID, Capability: capability, Status: command.ResponseStatus(status), Value: env.Payload["value"]}
		if resp.Status == command.StatusError {
			resp.Error = errMsg
		}
		return resp
	case <-time.After(m.cfg.CommandTimeout):
		slog.Debug("federation: forward_command timed out", "node", nodeID, "hub", hubID)
		return command.Response{Device: nodeID, Status: command.StatusError, Error: "federation command timed out"}
	}
}
