package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ocx/meshhub/internal/meshauth"
	"github.com/ocx/meshhub/internal/meshcrypto"
	"github.com/ocx/meshhub/internal/meshwire"
	"github.com/ocx/meshhub/internal/resilience"
)

// Send runs the outbound pipeline: validate the target is reachable via
// discovery, encrypt, sign — or neither, if TLS will provide equivalent
// guarantees — frame and write. Returns true on success, false on any
// failure (target unknown, dial failure, write failure).
func (t *Transport) Send(env *meshwire.Envelope) bool {
	addr, ok := t.resolver.ResolveAddress(env.Target)
	if !ok {
		slog.Debug("transport: send: target unreachable", "target", env.Target)
		return false
	}

	env.Source = t.cfg.SelfNodeID
	if env.Ts == 0 {
		env.Ts = float64(time.Now().UnixNano()) / 1e9
	}

	psk, hasPSK := t.keys.Get(env.Target)

	if !t.cfg.TLSEnabled {
		if t.cfg.EncryptionEnabled && !env.IsBroadcast() && encryptableTypes[env.Type] && hasPSK {
			if err := meshcrypto.Encrypt(env, psk); err != nil {
				slog.Debug("transport: send: encrypt failed", "error", err, "target", env.Target)
				return false
			}
		}
		if hasPSK {
			if err := meshauth.Sign(env, psk); err != nil {
				slog.Debug("transport: send: sign failed", "error", err, "target", env.Target)
				return false
			}
		}
	}

	conn, err := t.dial(addr, env.Target)
	if err != nil {
		slog.Debug("transport: send: dial failed", "error", err, "target", env.Target)
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(t.cfg.FrameReadTimeout))
	if err := meshwire.WriteEnvelope(conn, env); err != nil {
		slog.Debug("transport: send: write failed", "error", err, "target", env.Target)
		return false
	}
	return true
}

func (t *Transport) dial(addr PeerAddress, targetNodeID string) (net.Conn, error) {
	hostPort := fmt.Sprintf("%s:%d", addr.Host, addr.Port)

	if !t.cfg.TLSEnabled {
		return net.DialTimeout("tcp", hostPort, t.cfg.ConnectTimeout)
	}

	tlsCfg, err := t.tlsID.CreateClientTLSContext(targetNodeID)
	if err != nil {
		return nil, fmt.Errorf("transport: client tls context: %w", err)
	}
	dialer := &net.Dialer{Timeout: t.cfg.ConnectTimeout}
	return tls.DialWithDialer(dialer, "tcp", hostPort, tlsCfg)
}

// SendWithRetry wraps Send with a RetryPolicy. Critical callers (automation
// actions, OTA chunks) use this variant.
func (t *Transport) SendWithRetry(ctx context.Context, env *meshwire.Envelope, policy resilience.RetryPolicy) bool {
	return resilience.RetrySend(ctx, func(context.Context) (bool, error) {
		return t.Send(env), nil
	}, policy)
}
