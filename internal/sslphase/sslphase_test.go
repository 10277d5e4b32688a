package sslphase

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/wudi/gateway/internal/config"
	"github.com/wudi/gateway/internal/store"
)

func selfSignedPEM(t *testing.T, commonName string) (certPEM, keyPEM string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return string(certBytes), string(keyBytes)
}

func TestRegistryResolvesExactSNI(t *testing.T) {
	st := store.New()
	certPEM, keyPEM := selfSignedPEM(t, "api.example.com")
	st.ApplyFile(&config.File{
		SSL: []config.SSL{{ID: "ssl-1", SNI: "api.example.com", Cert: certPEM, Key: keyPEM}},
	})

	reg := NewRegistry(st)
	cert, err := reg.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cert == nil {
		t.Fatalf("expected a certificate")
	}
}

func TestRegistryResolvesWildcardSNI(t *testing.T) {
	st := store.New()
	certPEM, keyPEM := selfSignedPEM(t, "*.example.com")
	st.ApplyFile(&config.File{
		SSL: []config.SSL{{ID: "ssl-1", SNIs: []string{"*.example.com"}, Cert: certPEM, Key: keyPEM}},
	})

	reg := NewRegistry(st)
	if _, err := reg.GetCertificate(&tls.ClientHelloInfo{ServerName: "svc.example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistryReturnsTLSMatchFailureForUnknownSNI(t *testing.T) {
	st := store.New()
	reg := NewRegistry(st)

	_, err := reg.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.example.com"})
	if err == nil {
		t.Fatalf("expected an error for unmatched SNI")
	}
}

func TestRegistryRebuildsOnStoreChange(t *testing.T) {
	st := store.New()
	reg := NewRegistry(st)

	if _, err := reg.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.com"}); err == nil {
		t.Fatalf("expected no certificate before the SSL entity is loaded")
	}

	certPEM, keyPEM := selfSignedPEM(t, "api.example.com")
	st.ApplyFile(&config.File{
		SSL: []config.SSL{{ID: "ssl-1", SNI: "api.example.com", Cert: certPEM, Key: keyPEM}},
	})

	if _, err := reg.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.com"}); err != nil {
		t.Fatalf("expected certificate to resolve after store update: %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 loaded SSL entity, got %d", reg.Count())
	}
}
