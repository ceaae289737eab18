package federation

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ocx/meshhub/internal/meshca"
	"github.com/ocx/meshhub/internal/meshwire"
	"github.com/ocx/meshhub/internal/resilience"
)

// HubLink owns one persistent outbound connection to a peer Hub: connect
// with exponential backoff, a HELLO handshake, a keepalive PING/PONG
// goroutine, and a blocking receive loop dispatching inbound envelopes.
type HubLink struct {
	peer     PeerHub
	cfg      Config
	ca       *meshca.CA
	dispatch func(fromHub string, env *meshwire.Envelope)

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	connEpoch int

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newHubLink(peer PeerHub, cfg Config, ca *meshca.CA, dispatch func(string, *meshwire.Envelope)) *HubLink {
	return &HubLink{
		peer:     peer,
		cfg:      cfg,
		ca:       ca,
		dispatch: dispatch,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the link's supervised connect/receive lifecycle.
func (l *HubLink) Start(ctx context.Context) {
	resilience.SupervisedTask(ctx, "federation-link-"+l.peer.HubID, l.run)
}

// Stop tears down the link and closes any active connection.
func (l *HubLink) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
}

// Connected reports whether the link currently has a live connection.
func (l *HubLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Send writes env to the current connection. Returns false if the link is
// down or the write fails — the caller (Manager) treats this as the
// graceful-degradation signal.
func (l *HubLink) Send(env *meshwire.Envelope) bool {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(l.cfg.DialTimeout))
	if err := meshwire.WriteEnvelope(conn, env); err != nil {
		slog.Debug("federation: send failed", "hub", l.peer.HubID, "error", err)
		l.markDisconnected(conn)
		return false
	}
	return true
}

func (l *HubLink) run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		default:
		}

		conn, err := l.dial()
		if err != nil {
			slog.Debug("federation: dial failed", "hub", l.peer.HubID, "error", err)
			delay := backoffDelay(l.cfg.ReconnectBaseDelay, l.cfg.ReconnectMaxDelay, attempt)
			attempt++
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-l.stopCh:
				return nil
			}
		}
		attempt = 0

		l.setConnected(conn)
		l.sendHello(conn)

		keepaliveStop := make(chan struct{})
		go l.keepaliveLoop(conn, keepaliveStop)

		l.receiveLoop(conn)
		close(keepaliveStop)
		l.markDisconnected(conn)
	}
}

func (l *HubLink) dial() (net.Conn, error) {
	hostPort := fmt.Sprintf("%s:%d", l.peer.Host, l.peer.Port)
	if !l.cfg.TLSEnabled || l.ca == nil {
		return net.DialTimeout("tcp", hostPort, l.cfg.DialTimeout)
	}

	tlsCfg, err := l.ca.CreateClientTLSContext(l.peer.HubID)
	if err != nil {
		return nil, fmt.Errorf("federation: client tls context: %w", err)
	}
	dialer := &net.Dialer{Timeout: l.cfg.DialTimeout}
	return tls.DialWithDialer(dialer, "tcp", hostPort, tlsCfg)
}

func (l *HubLink) setConnected(conn net.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.connEpoch++
	l.mu.Unlock()
}

func (l *HubLink) markDisconnected(conn net.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
		l.connected = false
	}
	l.mu.Unlock()
	conn.Close()
}

func (l *HubLink) sendHello(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(l.cfg.DialTimeout))
	meshwire.WriteEnvelope(conn, &meshwire.Envelope{
		Type:   meshwire.TypeFederationHello,
		Source: l.cfg.SelfHubID,
		Payload: map[string]interface{}{
			"hub_id": l.cfg.SelfHubID,
		},
	})
}

func (l *HubLink) keepaliveLoop(conn net.Conn, stop chan struct{}) {
	ticker := time.NewTicker(l.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(l.cfg.DialTimeout))
			if err := meshwire.WriteEnvelope(conn, &meshwire.Envelope{
				Type:   meshwire.TypeFederationPing,
				Source: l.cfg.SelfHubID,
			}); err != nil {
				return
			}
		}
	}
}

func (l *HubLink) receiveLoop(conn net.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(l.cfg.KeepaliveInterval * 3))
		env := meshwire.ReadEnvelope(conn, meshwire.DefaultMaxFrameSize)
		if env == nil {
			return
		}

		switch env.Type {
		case meshwire.TypeFederationPing:
			conn.SetWriteDeadline(time.Now().Add(l.cfg.DialTimeout))
			meshwire.WriteEnvelope(conn, &meshwire.Envelope{Type: meshwire.TypeFederationPong, Source: l.cfg.SelfHubID})
		case meshwire.TypeFederationPong, meshwire.TypeFederationHello:
			// no-op: connection liveness only
		default:
			l.dispatch(l.peer.HubID, env)
		}
	}
}

// inboundLink wraps a connection a peer hub opened toward this hub (handed
// over by the transport after its FEDERATION_HELLO). Unlike HubLink it never
// reconnects: the dialing side owns the retry loop, this side just serves
// frames until the connection drops.
type inboundLink struct {
	hubID string

	mu   sync.Mutex
	conn net.Conn
}

// send writes env to the inbound connection. Returns false once the
// connection is gone.
func (l *inboundLink) send(env *meshwire.Envelope, timeout time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return false
	}
	l.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := meshwire.WriteEnvelope(l.conn, env); err != nil {
		slog.Debug("federation: inbound link send failed", "hub", l.hubID, "error", err)
		l.conn.Close()
		l.conn = nil
		return false
	}
	return true
}

func (l *inboundLink) close() {
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	d := time.Duration(delay)
	if d > max {
		return max
	}
	return d
}
