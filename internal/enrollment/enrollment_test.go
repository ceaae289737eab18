package enrollment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/ocx/meshhub/internal/meshkeys"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	ks := meshkeys.New(filepath.Join(t.TempDir(), "keys.json"))
	return New(Config{PINLength: 6, PINTimeout: 300 * time.Second, MaxAttempts: 3}, ks, nil)
}

func proofFor(pin, nodeID string) string {
	mac := hmac.New(sha256.New, []byte(pin))
	mac.Write([]byte(nodeID))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreatePin_GeneratesCorrectLengthDigits(t *testing.T) {
	svc := newTestService(t)
	pin, err := svc.CreatePin()
	require.NoError(t, err)
	assert.Len(t, pin, 6)
	for _, r := range pin {
		assert.True(t, r >= '0' && r <= '9')
	}
	assert.True(t, svc.IsActive())
}

func TestHandle_NoActiveEnrollment(t *testing.T) {
	svc := newTestService(t)
	result := svc.Handle("esp32-kitchen", "Kitchen", "deadbeef")
	assert.Equal(t, "error", result.Status)
	assert.Equal(t, "no_active_enrollment", result.Reason)
}

func TestHandle_ValidProofSucceedsAndRecoversPSK(t *testing.T) {
	svc := newTestService(t)
	pin, err := svc.CreatePin()
	require.NoError(t, err)

	result := svc.Handle("esp32-kitchen", "Kitchen", proofFor(pin, "esp32-kitchen"))
	require.Equal(t, "ok", result.Status)
	require.NotEmpty(t, result.EncryptedPSK)
	require.NotEmpty(t, result.Salt)

	salt, err := hex.DecodeString(result.Salt)
	require.NoError(t, err)
	encryptedPSK, err := hex.DecodeString(result.EncryptedPSK)
	require.NoError(t, err)

	derivedKey := pbkdf2.Key([]byte(pin), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	recoveredPSK := xorBytes(encryptedPSK, derivedKey)

	stored, ok := svc.keys.Get("esp32-kitchen")
	require.True(t, ok)
	assert.Equal(t, stored, recoveredPSK)
}

func TestHandle_WrongProofIncrementsAttemptsThenLocks(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreatePin()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result := svc.Handle("esp32-kitchen", "Kitchen", "00")
		assert.Equal(t, "invalid_pin", result.Reason)
	}

	result := svc.Handle("esp32-kitchen", "Kitchen", "00")
	assert.Equal(t, "locked", result.Reason)

	result = svc.Handle("esp32-kitchen", "Kitchen", "00")
	assert.Equal(t, "locked", result.Reason)
}

func TestHandle_ExpiredPinRejected(t *testing.T) {
	svc := New(Config{PINLength: 6, PINTimeout: time.Millisecond, MaxAttempts: 3},
		meshkeys.New(filepath.Join(t.TempDir(), "keys.json")), nil)
	pin, err := svc.CreatePin()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	result := svc.Handle("esp32-kitchen", "Kitchen", proofFor(pin, "esp32-kitchen"))
	assert.Equal(t, "expired", result.Reason)
}

func TestHandle_AlreadyUsedRejected(t *testing.T) {
	svc := newTestService(t)
	pin, err := svc.CreatePin()
	require.NoError(t, err)

	first := svc.Handle("esp32-kitchen", "Kitchen", proofFor(pin, "esp32-kitchen"))
	require.Equal(t, "ok", first.Status)

	second := svc.Handle("esp32-kitchen", "Kitchen", proofFor(pin, "esp32-kitchen"))
	assert.Equal(t, "already_used", second.Reason)
}

func TestCancelPin_DeactivatesEnrollment(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreatePin()
	require.NoError(t, err)
	require.True(t, svc.IsActive())

	svc.CancelPin()
	assert.False(t, svc.IsActive())
}
