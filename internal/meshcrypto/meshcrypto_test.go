package meshcrypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/meshhub/internal/meshwire"
)

func testEnvelope() *meshwire.Envelope {
	return &meshwire.Envelope{
		Type:    meshwire.TypeChat,
		Source:  "A",
		Target:  "B",
		Payload: map[string]interface{}{"text": "turn off the lights"},
		Ts:      float64(time.Now().Unix()),
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	psk := make([]byte, 32)
	env := testEnvelope()

	require.NoError(t, Encrypt(env, psk))
	assert.Nil(t, env.Payload)
	assert.NotEmpty(t, env.EncryptedPayload)
	assert.Len(t, env.IV, nonceSize)

	require.NoError(t, Decrypt(env, psk))
	assert.Equal(t, "turn off the lights", env.Payload["text"])
	assert.Nil(t, env.EncryptedPayload)
	assert.Nil(t, env.IV)
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	psk := make([]byte, 32)
	other := make([]byte, 32)
	other[0] = 0xFF

	env := testEnvelope()
	require.NoError(t, Encrypt(env, psk))

	err := Decrypt(env, other)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	psk := make([]byte, 32)
	env := testEnvelope()
	require.NoError(t, Encrypt(env, psk))

	env.EncryptedPayload[0] ^= 0xFF

	err := Decrypt(env, psk)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestDecrypt_TamperedRoutingMetadataFails(t *testing.T) {
	psk := make([]byte, 32)
	env := testEnvelope()
	require.NoError(t, Encrypt(env, psk))

	// AAD is derived from Target, so changing it after encryption must
	// invalidate the tag even though ciphertext bytes are untouched.
	env.Target = "C"

	err := Decrypt(env, psk)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestDecrypt_MissingCiphertextReturnsErrNotEncrypted(t *testing.T) {
	env := testEnvelope()
	err := Decrypt(env, make([]byte, 32))
	assert.ErrorIs(t, err, ErrNotEncrypted)
}

func TestEncrypt_DistinctIVsPerCall(t *testing.T) {
	psk := make([]byte, 32)
	env1 := testEnvelope()
	env2 := testEnvelope()

	require.NoError(t, Encrypt(env1, psk))
	require.NoError(t, Encrypt(env2, psk))

	assert.NotEqual(t, env1.IV, env2.IV)
	assert.NotEqual(t, env1.EncryptedPayload, env2.EncryptedPayload)
}

func TestDeriveKey_DeterministicPerPSK(t *testing.T) {
	psk := make([]byte, 32)
	k1 := DeriveKey(psk)
	k2 := DeriveKey(psk)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}
