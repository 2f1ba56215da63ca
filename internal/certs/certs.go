// Package certs provides the opaque certificate-provider collaborator
// described by §6.5: a domain-derived, load-existing-or-generate
// self-signed certificate pair, grounded on the teacher's cmd/server/tls.go
// generation code and the original source's cert.rs filename convention.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Provider locates or generates a self-signed certificate for a domain.
type Provider struct {
	dir string
}

// NewProvider builds a Provider that stores certificates under dir.
func NewProvider(dir string) *Provider {
	return &Provider{dir: dir}
}

// filenamesFor derives the domain-dot-to-underscore filename convention
// from §6.5 / cert.rs.
func (p *Provider) filenamesFor(domain string) (certPath, keyPath string) {
	safe := strings.ReplaceAll(domain, ".", "_")
	return filepath.Join(p.dir, safe+".crt"), filepath.Join(p.dir, safe+".key")
}

// Ensure returns a certificate/key pair for domain, generating a new
// self-signed pair unless both files already exist on disk.
func (p *Provider) Ensure(domain string) (certPath, keyPath string, err error) {
	certPath, keyPath = p.filenamesFor(domain)

	if fileExists(certPath) && fileExists(keyPath) {
		return certPath, keyPath, nil
	}

	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return "", "", fmt.Errorf("certs: create cert dir: %w", err)
	}
	if err := generateSelfSigned(domain, certPath, keyPath); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func generateSelfSigned(domain, certPath, keyPath string) error {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("certs: generate key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return fmt.Errorf("certs: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   domain,
			Organization: []string{"beam-tunnel-daemon"},
		},
		NotBefore:             time.Now().Add(-1 * time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{domain, "localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("certs: create certificate: %w", err)
	}

	certFile, err := os.Create(certPath)
	if err != nil {
		return fmt.Errorf("certs: create cert file: %w", err)
	}
	defer certFile.Close()
	if err := pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return fmt.Errorf("certs: encode cert: %w", err)
	}

	keyFile, err := os.OpenFile(keyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("certs: create key file: %w", err)
	}
	defer keyFile.Close()
	if err := pem.Encode(keyFile, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)}); err != nil {
		return fmt.Errorf("certs: encode key: %w", err)
	}

	return nil
}
