package meshca

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCA(t *testing.T) *CA {
	t.Helper()
	ca := New(Config{Dir: t.TempDir(), DeviceCertValidity: 24 * time.Hour})
	require.NoError(t, ca.Initialize())
	return ca
}

func TestInitialize_CreatesRootCAFiles(t *testing.T) {
	dir := t.TempDir()
	ca := New(Config{Dir: dir})
	require.NoError(t, ca.Initialize())

	assert.FileExists(t, filepath.Join(dir, "ca.crt"))
	assert.FileExists(t, filepath.Join(dir, "ca.key"))
}

func TestInitialize_IsIdempotentAndReloadsSameRoot(t *testing.T) {
	dir := t.TempDir()
	ca1 := New(Config{Dir: dir})
	require.NoError(t, ca1.Initialize())

	ca2 := New(Config{Dir: dir})
	require.NoError(t, ca2.Initialize())

	assert.Equal(t, ca1.rootCert.SerialNumber, ca2.rootCert.SerialNumber)
}

func TestIssueDeviceCert_SignedByCA(t *testing.T) {
	ca := newTestCA(t)

	issued, err := ca.IssueDeviceCert("esp32-kitchen")
	require.NoError(t, err)

	block, _ := pem.Decode(issued.CertPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "esp32-kitchen", cert.Subject.CommonName)

	pool := x509.NewCertPool()
	caBlock, _ := pem.Decode(issued.CACertPEM)
	caCert, err := x509.ParseCertificate(caBlock.Bytes)
	require.NoError(t, err)
	pool.AddCert(caCert)

	_, err = cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	assert.NoError(t, err)
}

func TestRevoke_UnknownNodeReturnsFalse(t *testing.T) {
	ca := newTestCA(t)
	ok, err := ca.Revoke("nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevoke_TwiceReturnsFalseSecondTime(t *testing.T) {
	ca := newTestCA(t)
	_, err := ca.IssueDeviceCert("esp32-kitchen")
	require.NoError(t, err)

	ok, err := ca.Revoke("esp32-kitchen")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ca.Revoke("esp32-kitchen")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsRevoked_ReflectsRevokeCall(t *testing.T) {
	ca := newTestCA(t)
	_, err := ca.IssueDeviceCert("esp32-kitchen")
	require.NoError(t, err)
	assert.False(t, ca.IsRevoked("esp32-kitchen"))

	_, err = ca.Revoke("esp32-kitchen")
	require.NoError(t, err)
	assert.True(t, ca.IsRevoked("esp32-kitchen"))
}

func TestServerClientTLSContext_MutualHandshake(t *testing.T) {
	ca := newTestCA(t)
	_, err := ca.IssueDeviceCert("esp32-kitchen")
	require.NoError(t, err)

	serverCfg, err := ca.CreateServerTLSContext()
	require.NoError(t, err)
	clientCfg, err := ca.CreateClientTLSContext("esp32-kitchen")
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- ""
			return
		}
		tlsConn := conn.(*tls.Conn)
		if err := tlsConn.Handshake(); err != nil {
			serverDone <- ""
			return
		}
		cn, _ := PeerNodeIDFromConnection(tlsConn)
		serverDone <- cn
		tlsConn.Close()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Handshake())

	select {
	case cn := <-serverDone:
		assert.Equal(t, "esp32-kitchen", cn)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server handshake")
	}
}

func TestCreateClientTLSContext_UnknownNodeFails(t *testing.T) {
	ca := newTestCA(t)
	_, err := ca.CreateClientTLSContext("never-enrolled")
	assert.Error(t, err)
}
