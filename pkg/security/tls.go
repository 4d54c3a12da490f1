package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ServerTLSConfig names the three files the reference binary's
// --tls-cert/--tls-key/--tls-ca flags point at.
type ServerTLSConfig struct {
	CertFile string
	KeyFile  string
	// CAFile, if set, requires and verifies peer (client) certificates
	// against it — mutual TLS. If empty, the server accepts any client.
	CAFile string
}

// Enabled reports whether cert/key were both supplied; CAFile alone
// without a server cert is a configuration error the caller should
// reject before ever reaching ServerOption.
func (c ServerTLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// ServerOption loads c's certificate (and optional client-CA bundle)
// into a grpc.ServerOption suitable for transport.NewHealthServer. It
// mirrors the teacher's LoadCertFromFile in using tls.LoadX509KeyPair
// directly against operator-supplied paths rather than the teacher's
// own managed certDir convention, since this scheduler has no per-node
// identity to derive a cert directory from.
func ServerOption(c ServerTLSConfig) (grpc.ServerOption, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("security: load server certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.CAFile != "" {
		pool, err := loadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return grpc.Creds(credentials.NewTLS(tlsCfg)), nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("security: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("security: no certificates parsed from %s", path)
	}
	return pool, nil
}
