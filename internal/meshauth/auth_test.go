package meshauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/meshhub/internal/meshwire"
)

type staticKeys map[string][]byte

func (s staticKeys) Get(nodeID string) ([]byte, bool) {
	psk, ok := s[nodeID]
	return psk, ok
}

func newEnv(source, target string, ts float64) *meshwire.Envelope {
	return &meshwire.Envelope{
		Type:    meshwire.TypeChat,
		Source:  source,
		Target:  target,
		Payload: map[string]interface{}{"text": "hello"},
		Ts:      ts,
	}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	psk := make([]byte, 32)
	keys := staticKeys{"A": psk}
	auth := New(Config{PSKAuthEnabled: true, NonceWindow: 60 * time.Second}, keys, nil)

	env := newEnv("A", "B", float64(time.Now().Unix()))
	require.NoError(t, Sign(env, psk))

	assert.NoError(t, auth.Verify(env))
}

func TestVerify_WrongKeyFails(t *testing.T) {
	psk := make([]byte, 32)
	other := make([]byte, 32)
	other[0] = 1
	keys := staticKeys{"A": other}
	auth := New(Config{PSKAuthEnabled: true, NonceWindow: 60 * time.Second}, keys, nil)

	env := newEnv("A", "B", float64(time.Now().Unix()))
	require.NoError(t, Sign(env, psk))

	assert.ErrorIs(t, auth.Verify(env), ErrBadSignature)
}

func TestVerify_MutatedFieldFails(t *testing.T) {
	psk := make([]byte, 32)
	keys := staticKeys{"A": psk}
	auth := New(Config{PSKAuthEnabled: true, NonceWindow: 60 * time.Second}, keys, nil)

	env := newEnv("A", "B", float64(time.Now().Unix()))
	require.NoError(t, Sign(env, psk))

	env.Payload["text"] = "tampered"
	assert.ErrorIs(t, auth.Verify(env), ErrBadSignature)
}

func TestVerify_ReplayRejected(t *testing.T) {
	psk := make([]byte, 32)
	keys := staticKeys{"A": psk}
	auth := New(Config{PSKAuthEnabled: true, NonceWindow: 60 * time.Second}, keys, nil)

	env := newEnv("A", "B", float64(time.Now().Unix()))
	require.NoError(t, Sign(env, psk))

	require.NoError(t, auth.Verify(env))
	assert.ErrorIs(t, auth.Verify(env), ErrReplay)
}

func TestVerify_UnknownPeerRejected(t *testing.T) {
	keys := staticKeys{}
	auth := New(Config{PSKAuthEnabled: true, NonceWindow: 60 * time.Second}, keys, nil)

	env := newEnv("stranger", "B", float64(time.Now().Unix()))
	require.NoError(t, Sign(env, make([]byte, 32)))

	assert.ErrorIs(t, auth.Verify(env), ErrUnknownPeer)
}

func TestVerify_StaleTimestampRejected(t *testing.T) {
	psk := make([]byte, 32)
	keys := staticKeys{"A": psk}
	auth := New(Config{PSKAuthEnabled: true, NonceWindow: 60 * time.Second}, keys, nil)

	env := newEnv("A", "B", float64(time.Now().Add(-2*time.Minute).Unix()))
	require.NoError(t, Sign(env, psk))

	assert.ErrorIs(t, auth.Verify(env), ErrStaleNonce)
}

func TestVerify_BypassUnsignedEnrollWhileActive(t *testing.T) {
	keys := staticKeys{}
	bypass := func(t meshwire.MessageType) bool { return t == meshwire.TypeEnrollRequest }
	auth := New(Config{PSKAuthEnabled: true, NonceWindow: 60 * time.Second}, keys, bypass)

	env := &meshwire.Envelope{
		Type:   meshwire.TypeEnrollRequest,
		Source: "new-device",
		Target: "hub",
		Ts:     float64(time.Now().Unix()),
	}

	assert.NoError(t, auth.Verify(env))
}

func TestVerify_PSKAuthDisabledAcceptsEverything(t *testing.T) {
	auth := New(Config{PSKAuthEnabled: false}, staticKeys{}, nil)
	env := newEnv("nobody", "B", float64(time.Now().Unix()))
	assert.NoError(t, auth.Verify(env))
}

func TestNonceCache_BoundedByPruning(t *testing.T) {
	c := newNonceCache()
	past := time.Now().Add(-time.Second)
	for i := 0; i < 10; i++ {
		c.markSeen("A", string(rune('a'+i)), past)
	}
	// All entries are already expired; the next insertion prunes them all.
	c.markSeen("A", "fresh", time.Now().Add(time.Minute))
	assert.Equal(t, 1, c.size())
}
