package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// Host is the address the server listens on and the name its certificate
// is issued for.
const Host = "127.0.0.1"

// GenerateTLSFiles writes a TLS key and a self-signed root certificate for
// Host to a temporary directory that's removed after the test. It returns
// the paths of the key and the certificate.
func GenerateTLSFiles(t testing.TB) (keyPath string, certPath string, err error) {
	d := t.TempDir() + string(filepath.Separator)
	err = testcert.GenerateCert(
		Host,
		"",        // defaults to now
		time.Hour, // no test runs this long
		true,      // CA cert, so clients can trust it directly
		2048,
		"", // RSA rather than ECDSA
		d,
	)
	if err != nil {
		return
	}

	// These names are hardcoded into testcert.GenerateCert
	keyPath = d + Host + ".key.pem"
	certPath = d + Host + ".cert.pem"
	return
}

// loadTLS returns a server configuration for the key pair and a pool that
// trusts the certificate.
func loadTLS(keyPath, certPath string) (*tls.Config, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, nil, err
	}
	pem, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, nil, fmt.Errorf("no certificates in %v", certPath)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, pool, nil
}
