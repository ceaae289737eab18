// Package meshcrypto implements AEAD payload encryption for envelopes:
// AES-256-GCM under a PSK-derived key, with the additional authenticated
// data bound to the envelope's routing metadata.
package meshcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"

	"github.com/ocx/meshhub/internal/meshwire"
)

// encryptionDomain is the HMAC message whose output becomes the AES-256 key
// for every envelope exchanged with a given peer. Fixed and public: secrecy
// comes entirely from the PSK, not from this label.
const encryptionDomain = "mesh-encrypt-v1"

const nonceSize = 12

var (
	// ErrNotEncrypted is returned by Decrypt when the envelope carries no
	// EncryptedPayload/IV to decrypt.
	ErrNotEncrypted = errors.New("meshcrypto: envelope has no encrypted payload")
	// ErrAuthFailed is returned when AES-GCM tag verification fails — either
	// the wrong key or a tampered ciphertext/AAD.
	ErrAuthFailed = errors.New("meshcrypto: authentication failed")
)

// DeriveKey computes the AES-256 key used to encrypt payloads exchanged with
// the peer that owns psk: HMAC-SHA256(psk, "mesh-encrypt-v1").
func DeriveKey(psk []byte) []byte {
	mac := hmac.New(sha256.New, psk)
	mac.Write([]byte(encryptionDomain))
	return mac.Sum(nil)
}

// additionalData binds the ciphertext to the envelope's routing metadata so a
// payload can't be replayed onto a different type/source/target/ts.
func additionalData(env *meshwire.Envelope) []byte {
	ts := strconv.FormatFloat(env.Ts, 'f', -1, 64)
	return []byte(string(env.Type) + "|" + env.Source + "|" + env.Target + "|" + ts)
}

// Encrypt replaces env.Payload with an AES-256-GCM ciphertext in
// env.EncryptedPayload, generating a fresh random 12-byte IV stored in env.IV.
// The additional-authenticated-data is derived from env's own routing fields,
// so encrypt must run after Type/Source/Target/Ts are final and before
// signing.
func Encrypt(env *meshwire.Envelope, psk []byte) error {
	plaintext, err := marshalPayload(env.Payload)
	if err != nil {
		return fmt.Errorf("meshcrypto: marshal payload: %w", err)
	}

	gcm, err := newGCM(psk)
	if err != nil {
		return err
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("meshcrypto: generate iv: %w", err)
	}

	ciphertext := gcm.Seal(nil, iv, plaintext, additionalData(env))

	env.EncryptedPayload = ciphertext
	env.IV = iv
	env.Payload = nil
	return nil
}

// Decrypt reverses Encrypt: it recovers env.Payload from env.EncryptedPayload
// and env.IV, verifying the GCM tag and the AAD derived from env's routing
// fields. On success env.EncryptedPayload and env.IV are cleared.
func Decrypt(env *meshwire.Envelope, psk []byte) error {
	if len(env.EncryptedPayload) == 0 || len(env.IV) == 0 {
		return ErrNotEncrypted
	}

	gcm, err := newGCM(psk)
	if err != nil {
		return err
	}

	plaintext, err := gcm.Open(nil, env.IV, env.EncryptedPayload, additionalData(env))
	if err != nil {
		return ErrAuthFailed
	}

	payload, err := unmarshalPayload(plaintext)
	if err != nil {
		return fmt.Errorf("meshcrypto: unmarshal payload: %w", err)
	}

	env.Payload = payload
	env.EncryptedPayload = nil
	env.IV = nil
	return nil
}

func newGCM(psk []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(DeriveKey(psk))
	if err != nil {
		return nil, fmt.Errorf("meshcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("meshcrypto: new gcm: %w", err)
	}
	return gcm, nil
}
