package transport

import (
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/ocx/meshhub/internal/meshca"
	"github.com/ocx/meshhub/internal/meshcrypto"
	"github.com/ocx/meshhub/internal/meshwire"
)

// handleConn runs the receive pipeline for one accepted connection: optional
// TLS handshake + revocation check, frame read, verify-then-decrypt (skipped
// entirely when TLS already provides equivalent guarantees), dispatch, close.
// Single-shot — exactly one envelope per connection — except for federation
// links, which are handed to the FederationConnHandler and stay open.
func (t *Transport) handleConn(conn net.Conn) {
	closeConn := true
	defer func() {
		if closeConn {
			conn.Close()
		}
	}()

	tlsActive := false
	if tlsConn, ok := conn.(*tls.Conn); ok {
		tlsActive = true
		conn.SetDeadline(time.Now().Add(t.cfg.TLSHandshakeTimeout))
		if err := tlsConn.Handshake(); err != nil {
			slog.Debug("transport: tls handshake failed", "error", err)
			return
		}
		peerCN, ok := meshca.PeerNodeIDFromConnection(tlsConn)
		if ok && t.ca != nil && t.ca.IsRevoked(peerCN) {
			slog.Debug("transport: rejecting revoked peer", "peer", peerCN)
			return
		}
	}

	conn.SetDeadline(time.Now().Add(t.cfg.FrameReadTimeout))
	env := meshwire.ReadEnvelope(conn, t.cfg.MaxFrameSize)
	if env == nil {
		return
	}

	if !tlsActive {
		if err := t.auth.Verify(env); err != nil {
			slog.Debug("transport: verify failed", "error", err, "source", env.Source)
			return
		}
		if len(env.EncryptedPayload) > 0 {
			psk, ok := t.keys.Get(env.Source)
			if !ok {
				slog.Debug("transport: no psk to decrypt", "source", env.Source)
				return
			}
			if err := meshcrypto.Decrypt(env, psk); err != nil {
				slog.Debug("transport: decrypt failed", "error", err, "source", env.Source)
				return
			}
		}
	}

	if env.Type == meshwire.TypeFederationHello && t.fedHandler != nil {
		conn.SetDeadline(time.Time{})
		closeConn = false
		t.fedHandler(conn, env)
		return
	}

	if t.dispatch != nil {
		t.dispatch(env)
	}
}
