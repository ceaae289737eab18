// Package transport implements the TCP frame transport: a listener accepting
// short-lived, single-shot connections, an outbound send pipeline
// (encrypt-then-sign, or TLS in place of both), and the per-connection
// receive pipeline (verify-then-decrypt, or TLS handshake plus revocation
// check in place of both). Federation links are the one exception to the
// single-shot rule; they are handed off whole to the federation manager.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ocx/meshhub/internal/meshauth"
	"github.com/ocx/meshhub/internal/meshca"
	"github.com/ocx/meshhub/internal/meshwire"
	"github.com/ocx/meshhub/internal/resilience"
)

// encryptableTypes are the envelope types eligible for AEAD payload
// encryption.
var encryptableTypes = map[meshwire.MessageType]bool{
	meshwire.TypeChat:     true,
	meshwire.TypeCommand:  true,
	meshwire.TypeResponse: true,
}

// PeerAddress is the (host, port) transport needs to dial a peer; resolved
// externally (normally by the discovery table).
type PeerAddress struct {
	Host string
	Port int
}

// PeerResolver looks up a node's dialable address.
type PeerResolver interface {
	ResolveAddress(nodeID string) (PeerAddress, bool)
}

// TLSIdentity supplies the server and client TLS configs transport uses
// when cfg.TLSEnabled. *meshca.CA satisfies this directly; *meshtls.Identity
// is the alternate SPIFFE-backed implementation.
type TLSIdentity interface {
	CreateServerTLSContext() (*tls.Config, error)
	CreateClientTLSContext(nodeID string) (*tls.Config, error)
}

// Config controls transport behavior.
type Config struct {
	SelfNodeID        string
	TCPPort           int
	TLSEnabled        bool
	EncryptionEnabled bool
	ConnectTimeout    time.Duration
	FrameReadTimeout  time.Duration
	TLSHandshakeTimeout time.Duration
	MaxFrameSize      int
	ShutdownTimeout   time.Duration
}

// Dispatcher receives every envelope accepted by the transport.
type Dispatcher func(env *meshwire.Envelope)

// FederationConnHandler takes ownership of an accepted connection whose first
// frame was a FEDERATION_HELLO. Federation links are the one place the
// transport's single-shot semantics do not apply: the peer hub holds its
// connection open and streams frames over it, so the transport hands the
// connection over instead of closing it after one envelope.
type FederationConnHandler func(conn net.Conn, hello *meshwire.Envelope)

// Transport owns the TCP listener and the send/receive pipelines.
type Transport struct {
	cfg      Config
	keys     meshauth.PSKLookup
	auth     *meshauth.Authenticator
	ca       *meshca.CA // optional: only used for revocation checks, may be nil under meshtls identity
	tlsID      TLSIdentity
	resolver   PeerResolver
	dispatch   Dispatcher
	fedHandler FederationConnHandler

	ln net.Listener

	stopCh chan struct{}
	connWG chan struct{}
}

// New constructs a Transport. ca may be nil if cfg.TLSEnabled is false.
// tlsID supplies TLS configs when cfg.TLSEnabled; if nil, ca is used as the
// identity source (ca must then be non-nil), preserving the local-CA-only
// construction path every existing caller uses.
func New(cfg Config, keys meshauth.PSKLookup, auth *meshauth.Authenticator, ca *meshca.CA, tlsID TLSIdentity, resolver PeerResolver, dispatch Dispatcher) *Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.FrameReadTimeout <= 0 {
		cfg.FrameReadTimeout = 15 * time.Second
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = 5 * time.Second
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = meshwire.DefaultMaxFrameSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if tlsID == nil {
		tlsID = ca
	}
	return &Transport{
		cfg:      cfg,
		keys:     keys,
		auth:     auth,
		ca:       ca,
		tlsID:    tlsID,
		resolver: resolver,
		dispatch: dispatch,
		stopCh:   make(chan struct{}),
		connWG:   make(chan struct{}, 4096),
	}
}

// SetFederationHandler registers fn to take over connections opened with a
// FEDERATION_HELLO. Must be called before Start; nil (the default) makes
// federation frames single-shot like everything else.
func (t *Transport) SetFederationHandler(fn FederationConnHandler) {
	t.fedHandler = fn
}

// Start opens the listener (TLS-wrapped if configured) and launches the
// accept loop as a supervised background task.
func (t *Transport) Start() error {
	addr := fmt.Sprintf(":%d", t.cfg.TCPPort)

	var ln net.Listener
	var err error
	if t.cfg.TLSEnabled {
		tlsCfg, cfgErr := t.tlsID.CreateServerTLSContext()
		if cfgErr != nil {
			return fmt.Errorf("transport: server tls context: %w", cfgErr)
		}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	t.ln = ln

	resilience.SupervisedTask(nil, "transport-accept", func(context.Context) error {
		t.acceptLoop()
		return nil
	})
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				slog.Debug("transport: accept failed", "error", err)
				continue
			}
		}

		select {
		case t.connWG <- struct{}{}:
		default:
		}
		resilience.SupervisedTask(nil, "transport-connection", func(context.Context) error {
			defer func() {
				select {
				case <-t.connWG:
				default:
				}
			}()
			t.handleConn(conn)
			return nil
		})
	}
}

// Stop closes the listener and waits up to cfg.ShutdownTimeout for
// outstanding connection handlers to finish.
func (t *Transport) Stop() {
	close(t.stopCh)
	if t.ln != nil {
		t.ln.Close()
	}

	deadline := time.After(t.cfg.ShutdownTimeout)
	for len(t.connWG) > 0 {
		select {
		case <-deadline:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
