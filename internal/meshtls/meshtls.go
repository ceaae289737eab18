// Package meshtls is an alternate mTLS identity source for internal/transport,
// backed by a SPIRE agent over the workload API instead of meshca's local CA.
// A Hub picks one identity source at startup: meshca for a self-contained
// mesh, or meshtls when the deployment already runs SPIRE for cross-cluster
// identity.
package meshtls

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Identity holds a live X.509 SVID source dialed from a local SPIRE agent.
type Identity struct {
	source      *workloadapi.X509Source
	trustDomain string
}

// NewIdentity dials socketPath (a SPIRE agent's workload API Unix socket)
// and returns an Identity backed by the SVID it issues. A 3s timeout keeps
// a down SPIRE agent from blocking Hub startup indefinitely.
func NewIdentity(socketPath, trustDomain string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("meshtls: connect to spire agent: %w", err)
	}

	slog.Info("meshtls: connected to spire agent", "socket_path", socketPath)
	return &Identity{source: source, trustDomain: trustDomain}, nil
}

// CreateServerTLSContext returns a *tls.Config requiring and verifying a
// client SVID from the same trust domain, satisfying transport.TLSIdentity.
func (id *Identity) CreateServerTLSContext() (*tls.Config, error) {
	authorizer := tlsconfig.AuthorizeMemberOf(spiffeid.RequireTrustDomainFromString(id.trustDomain))
	return tlsconfig.MTLSServerConfig(id.source, id.source, authorizer), nil
}

// CreateClientTLSContext returns a *tls.Config presenting this node's SVID
// and verifying the peer is a member of the same trust domain. nodeID is
// unused (identity is whatever SVID the SPIRE agent issued this process)
// but kept to satisfy transport.TLSIdentity's signature.
func (id *Identity) CreateClientTLSContext(_ string) (*tls.Config, error) {
	authorizer := tlsconfig.AuthorizeMemberOf(spiffeid.RequireTrustDomainFromString(id.trustDomain))
	return tlsconfig.MTLSClientConfig(id.source, id.source, authorizer), nil
}

// VerifySVID confirms this process's own current SVID matches spiffeID and
// returns a short fingerprint hash for audit logging.
func (id *Identity) VerifySVID(spiffeID string) (uint64, error) {
	want, err := spiffeid.FromString(spiffeID)
	if err != nil {
		return 0, fmt.Errorf("meshtls: invalid spiffe id: %w", err)
	}

	svid, err := id.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("meshtls: get svid: %w", err)
	}

	if svid.ID.String() != want.String() {
		return 0, fmt.Errorf("meshtls: spiffe id mismatch: expected %s, got %s", want, svid.ID)
	}

	return fingerprint(svid.Certificates[0].Raw), nil
}

// fingerprint returns the first 8 bytes of the cert's SHA-256 digest as a
// uint64, for compact audit-log identifiers.
func fingerprint(certDER []byte) uint64 {
	hash := sha256.Sum256(certDER)
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(hash[i])
	}
	return result
}

// Close releases the workload API connection.
func (id *Identity) Close() error {
	return id.source.Close()
}

// SPIFFEID builds the node's SPIFFE ID under trustDomain.
func SPIFFEID(trustDomain, nodeID string) string {
	return fmt.Sprintf("spiffe://%s/node/%s", trustDomain, nodeID)
}
