// Package meshca implements the local certificate authority and device mTLS
// issuance: an ECDSA P-256 root CA, device certificate issuance bound to a
// fixed on-disk directory layout, and an in-memory revocation ledger backed
// by a JSON file and a CRL export.
package meshca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	caValidity = 10 * 365 * 24 * time.Hour
	crlPeriod  = 30 * 24 * time.Hour
)

// Config controls certificate issuance defaults.
type Config struct {
	Dir                  string
	DeviceCertValidity   time.Duration
	OrganizationName     string
}

// RevokedEntry records one revoked device certificate.
type RevokedEntry struct {
	NodeID     string    `json:"node_id"`
	Serial     string    `json:"serial"`
	RevokedAt  time.Time `json:"revoked_at"`
}

// CA owns the root key/cert, the Hub's own leaf cert, and the revocation
// ledger. All mutating operations persist to disk before returning.
type CA struct {
	cfg Config

	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	hubCert  *tls.Certificate
	revoked  map[string]RevokedEntry
}

// New constructs a CA bound to cfg.Dir. Call Initialize before issuing or
// checking revocation.
func New(cfg Config) *CA {
	if cfg.DeviceCertValidity <= 0 {
		cfg.DeviceCertValidity = 365 * 24 * time.Hour
	}
	if cfg.OrganizationName == "" {
		cfg.OrganizationName = "Mesh Hub"
	}
	return &CA{cfg: cfg, revoked: make(map[string]RevokedEntry)}
}

func (c *CA) caKeyPath() string   { return filepath.Join(c.cfg.Dir, "ca.key") }
func (c *CA) caCertPath() string  { return filepath.Join(c.cfg.Dir, "ca.crt") }
func (c *CA) hubKeyPath() string  { return filepath.Join(c.cfg.Dir, "hub.key") }
func (c *CA) hubCertPath() string { return filepath.Join(c.cfg.Dir, "hub.crt") }
func (c *CA) revokedPath() string { return filepath.Join(c.cfg.Dir, "revoked.json") }
func (c *CA) crlPath() string     { return filepath.Join(c.cfg.Dir, "crl.pem") }
func (c *CA) devicesDir() string  { return filepath.Join(c.cfg.Dir, "devices") }
func (c *CA) deviceCertPath(nodeID string) string {
	return filepath.Join(c.devicesDir(), nodeID+".crt")
}
func (c *CA) deviceKeyPath(nodeID string) string {
	return filepath.Join(c.devicesDir(), nodeID+".key")
}

// Initialize loads or creates the CA key/cert, loads (or creates empty) the
// revocation ledger, and ensures the on-disk directory layout exists. It does
// not create the Hub certificate — that happens lazily on the first call to
// CreateServerTLSContext.
func (c *CA) Initialize() error {
	if err := os.MkdirAll(c.devicesDir(), 0o700); err != nil {
		return fmt.Errorf("meshca: mkdir: %w", err)
	}

	if err := c.loadOrGenerateRoot(); err != nil {
		return err
	}
	return c.loadRevoked()
}

func (c *CA) loadOrGenerateRoot() error {
	if _, err := os.Stat(c.caCertPath()); err == nil {
		certPEM, err := os.ReadFile(c.caCertPath())
		if err != nil {
			return fmt.Errorf("meshca: read ca cert: %w", err)
		}
		keyPEM, err := os.ReadFile(c.caKeyPath())
		if err != nil {
			return fmt.Errorf("meshca: read ca key: %w", err)
		}
		cert, key, err := parseCertAndKey(certPEM, keyPEM)
		if err != nil {
			return fmt.Errorf("meshca: parse existing ca: %w", err)
		}
		c.mu.Lock()
		c.rootCert, c.rootKey = cert, key
		c.mu.Unlock()
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("meshca: generate ca key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{c.cfg.OrganizationName},
			CommonName:   "Mesh Local CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("meshca: self-sign ca: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("meshca: parse generated ca: %w", err)
	}

	if err := writePEM(c.caCertPath(), "CERTIFICATE", certDER, 0o644); err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("meshca: marshal ca key: %w", err)
	}
	if err := writePEM(c.caKeyPath(), "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}

	c.mu.Lock()
	c.rootCert, c.rootKey = cert, key
	c.mu.Unlock()
	return nil
}

func (c *CA) loadRevoked() error {
	data, err := os.ReadFile(c.revokedPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("meshca: read revoked.json: %w", err)
	}
	var entries []RevokedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("meshca: unmarshal revoked.json: %w", err)
	}
	c.mu.Lock()
	for _, e := range entries {
		c.revoked[e.NodeID] = e
	}
	c.mu.Unlock()
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("meshca: open %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

func parseCertAndKey(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("meshca: invalid cert pem")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("meshca: invalid key pem")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}
