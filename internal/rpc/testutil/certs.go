// Package testutil generates throwaway self-signed mTLS material so
// internal/rpc tests can exercise the real certificate-pinned transport
// (spec.md §4.4) without depending on an external PKI.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// CertBundle is a cert/key pair plus the CA that issued it, written as PEM
// files under a test-owned temp dir.
type CertBundle struct {
	CAPath   string
	CertPath string
	KeyPath  string
}

// GenerateMutualTLS builds a CA and issues a server cert and a client cert
// from it, both trusted against the same CA pool — mirroring the
// single-pinned-CA model spec.md §4.4 describes.
func GenerateMutualTLS(t *testing.T) (server CertBundle, client CertBundle) {
	t.Helper()
	dir := t.TempDir()

	caKey, caCert, caDER := generateCA(t)
	caPath := writePEM(t, dir, "ca.pem", "CERTIFICATE", caDER)

	serverDER, serverKeyDER := issueLeaf(t, caKey, caCert, "worker-server")
	serverCertPath := writePEM(t, dir, "server.pem", "CERTIFICATE", serverDER)
	serverKeyPath := writePEM(t, dir, "server-key.pem", "EC PRIVATE KEY", serverKeyDER)

	clientDER, clientKeyDER := issueLeaf(t, caKey, caCert, "worker-client")
	clientCertPath := writePEM(t, dir, "client.pem", "CERTIFICATE", clientDER)
	clientKeyPath := writePEM(t, dir, "client-key.pem", "EC PRIVATE KEY", clientKeyDER)

	return CertBundle{CAPath: caPath, CertPath: serverCertPath, KeyPath: serverKeyPath},
		CertBundle{CAPath: caPath, CertPath: clientCertPath, KeyPath: clientKeyPath}
}

func generateCA(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fleetctl-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}
	return key, cert, der
}

func issueLeaf(t *testing.T, caKey *ecdsa.PrivateKey, caCert *x509.Certificate, cn string) (certDER, keyDER []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create leaf cert %q: %v", cn, err)
	}
	keyDER, err = x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal leaf key %q: %v", cn, err)
	}
	return der, keyDER
}

func writePEM(t *testing.T, dir, name, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	return path
}
