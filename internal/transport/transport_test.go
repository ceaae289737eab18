package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/meshhub/internal/meshauth"
	"github.com/ocx/meshhub/internal/meshca"
	"github.com/ocx/meshhub/internal/meshwire"
)

type staticResolver map[string]PeerAddress

func (s staticResolver) ResolveAddress(nodeID string) (PeerAddress, bool) {
	a, ok := s[nodeID]
	return a, ok
}

type staticKeys map[string][]byte

func (s staticKeys) Get(nodeID string) ([]byte, bool) {
	psk, ok := s[nodeID]
	return psk, ok
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSendReceive_PlaintextNoAuthNoEncryption(t *testing.T) {
	port := freePort(t)
	var received *meshwire.Envelope
	var mu sync.Mutex
	done := make(chan struct{}, 1)

	recvTransport := New(Config{SelfNodeID: "hub", TCPPort: port},
		staticKeys{}, meshauth.New(meshauth.Config{PSKAuthEnabled: false}, staticKeys{}, nil), nil, nil, staticResolver{},
		func(env *meshwire.Envelope) {
			mu.Lock()
			received = env
			mu.Unlock()
			done <- struct{}{}
		})
	require.NoError(t, recvTransport.Start())
	defer recvTransport.Stop()

	sendTransport := New(Config{SelfNodeID: "sensor-1"},
		staticKeys{}, meshauth.New(meshauth.Config{PSKAuthEnabled: false}, staticKeys{}, nil), nil, nil,
		staticResolver{"hub": {Host: "127.0.0.1", Port: port}}, nil)

	env := &meshwire.Envelope{
		Type:    meshwire.TypeChat,
		Target:  "hub",
		Payload: map[string]interface{}{"text": "hello"},
		Ts:      float64(time.Now().Unix()),
	}
	ok := sendTransport.Send(env)
	assert.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received)
	assert.Equal(t, "sensor-1", received.Source)
	assert.Equal(t, "hello", received.Payload["text"])
}

// sharedKeys models each side's KeyStore: the Hub's store has an entry keyed
// by the device's node_id, and the device's store has an entry keyed by the
// Hub's node_id, both holding the same symmetric PSK established at
// enrollment — exactly how meshkeys.KeyStore is populated on each side in
// practice.
func sharedKeys(psk []byte) staticKeys {
	return staticKeys{"hub": psk, "sensor-1": psk}
}

func TestSendReceive_SignedAndEncrypted(t *testing.T) {
	port := freePort(t)
	psk := make([]byte, 32)
	keys := sharedKeys(psk)

	var received *meshwire.Envelope
	done := make(chan struct{}, 1)

	recvAuth := meshauth.New(meshauth.Config{PSKAuthEnabled: true, NonceWindow: 60 * time.Second}, keys, nil)
	recvTransport := New(Config{SelfNodeID: "hub", TCPPort: port, EncryptionEnabled: true},
		keys, recvAuth, nil, nil, staticResolver{},
		func(env *meshwire.Envelope) {
			received = env
			done <- struct{}{}
		})
	require.NoError(t, recvTransport.Start())
	defer recvTransport.Stop()

	sendAuth := meshauth.New(meshauth.Config{PSKAuthEnabled: true, NonceWindow: 60 * time.Second}, keys, nil)
	sendTransport := New(Config{SelfNodeID: "sensor-1", EncryptionEnabled: true},
		keys, sendAuth, nil, nil,
		staticResolver{"hub": {Host: "127.0.0.1", Port: port}}, nil)

	env := &meshwire.Envelope{
		Type:    meshwire.TypeChat,
		Target:  "hub",
		Payload: map[string]interface{}{"text": "secret"},
		Ts:      float64(time.Now().Unix()),
	}

	ok := sendTransport.Send(env)
	assert.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	require.NotNil(t, received)
	assert.Equal(t, "secret", received.Payload["text"])
	assert.NotEmpty(t, received.HMAC)
}

func TestSend_UnknownTargetReturnsFalse(t *testing.T) {
	tr := New(Config{SelfNodeID: "sensor-1"}, staticKeys{},
		meshauth.New(meshauth.Config{PSKAuthEnabled: false}, staticKeys{}, nil), nil, nil, staticResolver{}, nil)

	env := &meshwire.Envelope{Type: meshwire.TypeChat, Target: "nowhere", Ts: float64(time.Now().Unix())}
	assert.False(t, tr.Send(env))
}

func TestSend_UnsignedRejectedWhenPSKAuthEnabledAndNoKeyKnown(t *testing.T) {
	port := freePort(t)
	dispatched := false
	recvTransport := New(Config{SelfNodeID: "hub", TCPPort: port},
		staticKeys{}, meshauth.New(meshauth.Config{PSKAuthEnabled: true, NonceWindow: 60 * time.Second}, staticKeys{}, nil), nil, nil, staticResolver{},
		func(env *meshwire.Envelope) { dispatched = true })
	require.NoError(t, recvTransport.Start())
	defer recvTransport.Stop()

	sendTransport := New(Config{SelfNodeID: "stranger"},
		staticKeys{}, meshauth.New(meshauth.Config{PSKAuthEnabled: false}, staticKeys{}, nil), nil, nil,
		staticResolver{"hub": {Host: "127.0.0.1", Port: port}}, nil)

	env := &meshwire.Envelope{Type: meshwire.TypeChat, Target: "hub", Ts: float64(time.Now().Unix())}
	assert.True(t, sendTransport.Send(env))

	time.Sleep(200 * time.Millisecond)
	assert.False(t, dispatched)
}

func TestTLS_RevokedPeerClosedBeforeFrameRead(t *testing.T) {
	ca := meshca.New(meshca.Config{Dir: t.TempDir()})
	require.NoError(t, ca.Initialize())
	_, err := ca.IssueDeviceCert("esp32-kitchen")
	require.NoError(t, err)

	// The client config loads the device keypair now; revoking afterwards
	// models a device still holding a formerly-valid certificate.
	clientCfg, err := ca.CreateClientTLSContext("esp32-kitchen")
	require.NoError(t, err)

	revoked, err := ca.Revoke("esp32-kitchen")
	require.NoError(t, err)
	require.True(t, revoked)

	port := freePort(t)
	dispatched := false
	tr := New(Config{SelfNodeID: "hub", TCPPort: port, TLSEnabled: true},
		staticKeys{}, meshauth.New(meshauth.Config{PSKAuthEnabled: false}, staticKeys{}, nil), ca, nil, staticResolver{},
		func(env *meshwire.Envelope) { dispatched = true })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	conn, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port), clientCfg)
	require.NoError(t, err)
	defer conn.Close()

	// The server closes right after the handshake, so the frame is never read
	// and nothing is dispatched.
	_ = meshwire.WriteEnvelope(conn, &meshwire.Envelope{
		Type: meshwire.TypeChat, Source: "esp32-kitchen", Target: "hub", Ts: float64(time.Now().Unix()),
	})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, readErr := conn.Read(buf)
	require.Error(t, readErr)

	assert.False(t, dispatched)
}

func TestFederationHello_HandedToFederationHandler(t *testing.T) {
	port := freePort(t)

	handed := make(chan *meshwire.Envelope, 1)
	tr := New(Config{SelfNodeID: "hub", TCPPort: port},
		staticKeys{}, meshauth.New(meshauth.Config{PSKAuthEnabled: false}, staticKeys{}, nil), nil, nil, staticResolver{}, nil)
	tr.SetFederationHandler(func(conn net.Conn, hello *meshwire.Envelope) {
		handed <- hello
		conn.Close()
	})
	require.NoError(t, tr.Start())
	defer tr.Stop()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, meshwire.WriteEnvelope(conn, &meshwire.Envelope{
		Type:    meshwire.TypeFederationHello,
		Source:  "hub-b",
		Payload: map[string]interface{}{"hub_id": "hub-b"},
		Ts:      float64(time.Now().Unix()),
	}))

	select {
	case hello := <-handed:
		assert.Equal(t, "hub-b", hello.Payload["hub_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("federation handler was not invoked")
	}
}
