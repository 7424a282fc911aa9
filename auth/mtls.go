package auth

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SPIFFEIdentity wraps a workload API X.509 source so the QUIC
// transport's mutual-auth mode (§4.A) can present and verify SVIDs
// without this module provisioning its own CA.
type SPIFFEIdentity struct {
	source *workloadapi.X509Source
}

// NewSPIFFEIdentity connects to the local SPIFFE Workload API (by
// default over the well-known unix socket, or SPIFFE_ENDPOINT_SOCKET
// if set) and fetches this process's X.509 SVID.
func NewSPIFFEIdentity(ctx context.Context) (*SPIFFEIdentity, error) {
	source, err := workloadapi.NewX509Source(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch workload X.509 source: %w", err)
	}
	return &SPIFFEIdentity{source: source}, nil
}

func (s *SPIFFEIdentity) Close() error {
	return s.source.Close()
}

// ServerTLSConfig returns a tls.Config that presents this process's
// SVID and authorizes any client whose SPIFFE ID belongs to
// trustDomain, suitable for the coordinator/environment's QUIC
// listener.
func (s *SPIFFEIdentity) ServerTLSConfig(trustDomain string) (*tls.Config, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("auth: parse trust domain %q: %w", trustDomain, err)
	}
	return tlsconfig.MTLSServerConfig(s.source, s.source, tlsconfig.AuthorizeMemberOf(td)), nil
}

// ClientTLSConfig returns a tls.Config for dialing the coordinator
// over mutual TLS, authorizing the specific server identity expected.
func (s *SPIFFEIdentity) ClientTLSConfig(expectedServerID string) (*tls.Config, error) {
	id, err := spiffeid.FromString(expectedServerID)
	if err != nil {
		return nil, fmt.Errorf("auth: parse server SPIFFE ID %q: %w", expectedServerID, err)
	}
	return tlsconfig.MTLSClientConfig(s.source, s.source, tlsconfig.AuthorizeID(id)), nil
}
