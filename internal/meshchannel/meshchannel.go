// Package meshchannel is the Hub orchestrator: it owns every subsystem
// (discovery, transport, auth, encryption, the local CA or SPIFFE identity,
// enrollment, the device registry, automation, OTA, federation, the agent
// sink, and metrics) and wires them together behind one Start/Stop lifecycle
// and one inbound dispatch table.
package meshchannel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/meshhub/internal/agentsink"
	"github.com/ocx/meshhub/internal/automation"
	"github.com/ocx/meshhub/internal/command"
	"github.com/ocx/meshhub/internal/config"
	"github.com/ocx/meshhub/internal/discovery"
	"github.com/ocx/meshhub/internal/enrollment"
	"github.com/ocx/meshhub/internal/federation"
	"github.com/ocx/meshhub/internal/meshauth"
	"github.com/ocx/meshhub/internal/meshca"
	"github.com/ocx/meshhub/internal/meshkeys"
	"github.com/ocx/meshhub/internal/meshmetrics"
	"github.com/ocx/meshhub/internal/meshtls"
	"github.com/ocx/meshhub/internal/meshwire"
	"github.com/ocx/meshhub/internal/ota"
	"github.com/ocx/meshhub/internal/registry"
	"github.com/ocx/meshhub/internal/resilience"
	"github.com/ocx/meshhub/internal/transport"
)

// Channel is the assembled Mesh Hub: every subsystem plus the glue that
// routes envelopes between them.
type Channel struct {
	cfg *config.Config

	Keys       *meshkeys.KeyStore
	Auth       *meshauth.Authenticator
	CA         *meshca.CA
	SpiffeID   *meshtls.Identity
	Discovery  *discovery.Service
	Transport  *transport.Transport
	Enrollment *enrollment.Service
	Registry   *registry.Registry
	Automation *automation.Engine
	OTA        *ota.Manager
	Federation *federation.Manager
	AgentSink  *agentsink.Sink
	Metrics    *meshmetrics.Collector

	pendingMu sync.Mutex
	pending   map[string]chan command.Response // correlation_id -> local response channel

	metricsWatchdog *resilience.Watchdog
	ctx             context.Context
	cancel          context.CancelFunc
}

// New assembles every subsystem from cfg but starts nothing; call Start to
// bring the Hub up.
func New(cfg *config.Config) (*Channel, error) {
	keys := meshkeys.New(cfg.Auth.KeyStorePath)
	if err := keys.Load(); err != nil {
		slog.Warn("meshchannel: key store load failed, starting empty", "error", err)
	}

	reg := registry.New(cfg.Registry.Path)
	if err := reg.Load(); err != nil {
		slog.Warn("meshchannel: registry load failed, starting empty", "error", err)
	}

	var ca *meshca.CA
	var spiffeID *meshtls.Identity
	var tlsIdentity transport.TLSIdentity
	if cfg.CA.Enabled {
		if cfg.CA.SpiffeSocketPath != "" {
			id, err := meshtls.NewIdentity(cfg.CA.SpiffeSocketPath, cfg.CA.SpiffeTrustDomain)
			if err != nil {
				slog.Warn("meshchannel: spiffe identity unavailable, falling back to local ca", "error", err)
			} else {
				spiffeID = id
				tlsIdentity = id
			}
		}
		if tlsIdentity == nil {
			ca = meshca.New(meshca.Config{
				Dir:                cfg.CA.Dir,
				DeviceCertValidity: time.Duration(cfg.CA.DeviceCertValidityDays) * 24 * time.Hour,
			})
			if err := ca.Initialize(); err != nil {
				return nil, err
			}
			tlsIdentity = ca
		}
	}

	enroll := enrollment.New(enrollment.Config{
		PINLength:   cfg.Enrollment.PINLength,
		PINTimeout:  time.Duration(cfg.Enrollment.PINTimeout) * time.Second,
		MaxAttempts: cfg.Enrollment.MaxAttempts,
	}, keys, ca)

	// Unsigned ENROLL_REQUESTs are only admitted while an enrollment PIN is
	// live; FEDERATION_HELLO is admitted under federation's own policy.
	bypass := func(t meshwire.MessageType) bool {
		switch t {
		case meshwire.TypeEnrollRequest:
			return enroll.IsActive()
		case meshwire.TypeFederationHello:
			return true
		}
		return false
	}
	auth := meshauth.New(meshauth.Config{
		PSKAuthEnabled:       cfg.Auth.PSKAuthEnabled,
		AllowUnauthenticated: cfg.Auth.AllowUnauthenticated,
		NonceWindow:          time.Duration(cfg.Auth.NonceWindowSec) * time.Second,
		RedisAddr:            cfg.Auth.RedisAddr,
	}, keys, bypass)

	automationEngine := automation.New(cfg.Automation.RulesPath, reg)
	if err := automationEngine.Load(); err != nil {
		slog.Warn("meshchannel: automation rules load failed, starting empty", "error", err)
	}

	fedCfg := federation.DefaultConfig(cfg.Federation.HubID)
	fedCfg.Peers = federationPeers(cfg.Federation.Peers)
	fedCfg.SyncInterval = time.Duration(cfg.Federation.SyncInterval) * time.Second
	fedCfg.TLSEnabled = cfg.Transport.MTLSEnabled
	fedMgr := federation.New(fedCfg, reg, ca)

	firmwareStore := ota.NewFirmwareStore(cfg.Firmware.Dir)
	if err := firmwareStore.Load(); err != nil {
		slog.Warn("meshchannel: firmware store load failed, starting empty", "error", err)
	}

	sink := agentsink.New()

	c := &Channel{
		cfg:        cfg,
		Keys:       keys,
		Auth:       auth,
		CA:         ca,
		SpiffeID:   spiffeID,
		Enrollment: enroll,
		Registry:   reg,
		Automation: automationEngine,
		Federation: fedMgr,
		AgentSink:  sink,
		Metrics:    meshmetrics.New(),
		pending:    make(map[string]chan command.Response),
	}

	disco := discovery.New(discovery.Config{
		SelfNodeID:     cfg.NodeID,
		UDPPort:        cfg.Discovery.UDPPort,
		TCPPort:        cfg.Transport.TCPPort,
		Roles:          cfg.Roles,
		BeaconInterval: time.Duration(cfg.Discovery.BeaconInterval) * time.Second,
		PeerTimeout:    time.Duration(cfg.Discovery.PeerTimeout) * time.Second,
	}, discovery.Callbacks{
		OnPeerSeen: c.onPeerSeen,
		OnPeerLost: c.onPeerLost,
	})
	c.Discovery = disco

	tr := transport.New(transport.Config{
		SelfNodeID:          cfg.NodeID,
		TCPPort:             cfg.Transport.TCPPort,
		TLSEnabled:          cfg.Transport.MTLSEnabled,
		EncryptionEnabled:   cfg.Encryption.Enabled,
		ConnectTimeout:      time.Duration(cfg.Transport.ConnectTimeout) * time.Second,
		FrameReadTimeout:    time.Duration(cfg.Transport.ReadTimeout) * time.Second,
		TLSHandshakeTimeout: time.Duration(cfg.Transport.HandshakeTimeout) * time.Second,
		MaxFrameSize:        cfg.Transport.MaxFrameSize,
		ShutdownTimeout:     time.Duration(cfg.Transport.ShutdownTimeout) * time.Second,
	}, keys, auth, ca, tlsIdentity, disco, c.dispatch)
	tr.SetFederationHandler(fedMgr.HandleInbound)
	c.Transport = tr

	var sessions ota.SessionStore
	if cfg.Firmware.RedisAddr != "" {
		if store, err := ota.NewRedisSessionStore(cfg.Firmware.RedisAddr); err != nil {
			slog.Warn("meshchannel: redis ota session store unavailable, falling back to in-memory", "error", err)
		} else {
			sessions = store
		}
	}
	otaCfg := ota.Config{
		ChunkSize:        cfg.Firmware.ChunkSize,
		OfferTimeout:     time.Duration(cfg.Firmware.OfferTimeoutSec) * time.Second,
		ChunkAckTimeout:  time.Duration(cfg.Firmware.ChunkAckTimeoutSec) * time.Second,
		VerifyTimeout:    time.Duration(cfg.Firmware.VerifyTimeoutSec) * time.Second,
		WatchdogInterval: 10 * time.Second,
	}
	var otaMgr *ota.Manager
	if sessions != nil {
		otaMgr = ota.NewManagerWithStore(otaCfg, firmwareStore, tr, cfg.NodeID, sessions)
	} else {
		otaMgr = ota.NewManager(otaCfg, firmwareStore, tr, cfg.NodeID)
	}
	c.OTA = otaMgr

	auth.SetRejectObserver(c.Metrics.ObserveAuthReject)
	otaMgr.SetObserver(c.Metrics.ObserveOTATransition)
	sink.SetCommandHandler(c.ExecuteCommand)
	fedMgr.SetCommandExecutor(c.executeLocal)
	reg.OnEvent(func(e registry.Event) {
		payload := map[string]interface{}{}
		if e.Capability != "" {
			payload["capability"] = e.Capability
			payload["old"] = e.OldValue
			payload["new"] = e.NewValue
		}
		sink.BroadcastDeviceEvent(e.NodeID, string(e.Kind), payload)
	})

	return c, nil
}

func federationPeers(peers []config.FederationPeer) []federation.PeerHub {
	out := make([]federation.PeerHub, 0, len(peers))
	for _, p := range peers {
		out = append(out, federation.PeerHub{HubID: p.HubID, Host: p.Host, Port: p.Port})
	}
	return out
}

// Start brings up every subsystem: discovery, the transport listener, OTA
// timeouts, federation links, the agent sink loop, and the periodic metrics
// refresh. It does not start the metrics HTTP exporter.
func (c *Channel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.Discovery.Start(); err != nil {
		return err
	}
	if err := c.Transport.Start(); err != nil {
		return err
	}
	c.OTA.Start()
	c.Federation.Start(c.ctx)
	go c.AgentSink.Run()

	c.metricsWatchdog = resilience.NewWatchdog("meshchannel-metrics", 15*time.Second, c.refreshMetrics)
	c.metricsWatchdog.Start()

	return nil
}

// Stop tears down every subsystem in the reverse order Start brought them
// up, and flushes the registry and key store to disk.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.metricsWatchdog != nil {
		c.metricsWatchdog.Stop()
	}
	c.Federation.Stop()
	c.OTA.Stop()
	c.Transport.Stop()
	c.Discovery.Stop()
	if c.SpiffeID != nil {
		c.SpiffeID.Close()
	}

	if err := c.Registry.Flush(); err != nil {
		slog.Warn("meshchannel: registry flush failed", "error", err)
	}
	if err := c.Keys.Save(); err != nil {
		slog.Warn("meshchannel: key store save failed", "error", err)
	}
}

func (c *Channel) refreshMetrics() error {
	c.Metrics.SetPeerCount(len(c.Discovery.Peers()))
	c.Metrics.SetDeviceCount(len(c.Registry.DictForExternal()))
	c.Metrics.RefreshOTASessions(c.OTA.Snapshot())
	for _, hubID := range c.Federation.ListHubs() {
		c.Metrics.SetFederationLink(hubID, c.Federation.LinkConnected(hubID))
	}
	return nil
}

func (c *Channel) onPeerSeen(p discovery.Peer) {
	if _, ok := c.Registry.Get(p.NodeID); ok {
		c.Registry.MarkOnline(p.NodeID, true)
		return
	}

	// Auto-register only peers that beacon their device metadata; a bare hub
	// beacon carries neither and is not a device.
	if p.DeviceType == "" || len(p.Capabilities) == 0 {
		return
	}

	caps := make([]registry.DeviceCapability, 0, len(p.Capabilities))
	for _, name := range p.Capabilities {
		caps = append(caps, registry.DeviceCapability{Name: name})
	}
	if err := c.Registry.Register(registry.DeviceInfo{
		NodeID:       p.NodeID,
		DeviceType:   p.DeviceType,
		Capabilities: caps,
		Online:       true,
		State:        map[string]interface{}{},
	}); err != nil {
		slog.Debug("meshchannel: register discovered peer failed", "node_id", p.NodeID, "error", err)
	}
}

func (c *Channel) onPeerLost(nodeID string) {
	c.Registry.MarkOnline(nodeID, false)
}
