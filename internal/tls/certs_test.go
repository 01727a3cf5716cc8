package tls

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSelfSignedCertRoundTrips(t *testing.T) {
	cfg := DefaultCertConfig()
	cfg.CommonName = "node-a"

	certPEM, keyPEM, err := GenerateSelfSignedCert(cfg)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("expected non-empty cert and key PEM")
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	if err := SaveCertificates(certPath, keyPath, certPEM, keyPEM); err != nil {
		t.Fatalf("SaveCertificates: %v", err)
	}

	if err := ValidateCertificate(certPath); err != nil {
		t.Fatalf("ValidateCertificate: %v", err)
	}

	tlsCfg, err := LoadTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate loaded, got %d", len(tlsCfg.Certificates))
	}
}

func TestGenerateSelfSignedCertRejectsUnsupportedKeySize(t *testing.T) {
	cfg := DefaultCertConfig()
	cfg.KeySize = 1024
	if _, _, err := GenerateSelfSignedCert(cfg); err == nil {
		t.Fatal("expected an error for an unsupported key size")
	}
}

func TestEnsureCertificatesIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	cfg := DefaultCertConfig()

	if err := EnsureCertificates(certPath, keyPath, cfg); err != nil {
		t.Fatalf("first EnsureCertificates: %v", err)
	}
	firstCert, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}

	if err := EnsureCertificates(certPath, keyPath, cfg); err != nil {
		t.Fatalf("second EnsureCertificates: %v", err)
	}
	secondCert, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert again: %v", err)
	}

	if string(firstCert) != string(secondCert) {
		t.Error("expected EnsureCertificates to leave a still-valid certificate untouched")
	}
}
