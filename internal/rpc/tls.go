package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSFiles names the certificate-pinned peer-auth material spec.md §4.4
// requires (mutually authenticated channel). It is loaded the same way the
// teacher's internal/temporalx client loads its mTLS material.
type TLSFiles struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

func loadKeyPair(f TLSFiles) (tls.Certificate, *x509.CertPool, error) {
	if f.CertPath == "" || f.KeyPath == "" {
		return tls.Certificate{}, nil, fmt.Errorf("rpc tls: both cert and key paths are required for mutual auth")
	}
	cert, err := tls.LoadX509KeyPair(f.CertPath, f.KeyPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("rpc tls: load cert/key: %w", err)
	}
	pool := x509.NewCertPool()
	if f.CAPath != "" {
		pem, err := os.ReadFile(f.CAPath)
		if err != nil {
			return tls.Certificate{}, nil, fmt.Errorf("rpc tls: read CA: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return tls.Certificate{}, nil, fmt.Errorf("rpc tls: invalid CA pem")
		}
	}
	return cert, pool, nil
}

// ServerTLSConfig builds a *tls.Config that requires and verifies a peer
// certificate from the same CA pool — every caller must present a
// certificate the pinned CA issued (spec.md §4.4 "certificate-pinned peer
// auth").
func ServerTLSConfig(f TLSFiles) (*tls.Config, error) {
	cert, pool, err := loadKeyPair(f)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the matching client-side *tls.Config: presents its
// own certificate and trusts only the pinned CA for the server's cert.
func ClientTLSConfig(f TLSFiles) (*tls.Config, error) {
	cert, pool, err := loadKeyPair(f)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
