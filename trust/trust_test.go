package trust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var serialCounter int64 = 100

func makeCert(t *testing.T, cn string, parent *x509.Certificate, parentKey *rsa.PrivateKey) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	serialCounter++
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serialCounter),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	signerCert, signerKey := template, key
	if parent != nil {
		signerCert, signerKey = parent, parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert, key
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadStore(t *testing.T) {
	dir := t.TempDir()
	root, _ := makeCert(t, "AC Raiz de Teste", nil, nil)
	other, _ := makeCert(t, "AC Secundaria", nil, nil)

	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw})
	if err := os.WriteFile(filepath.Join(dir, "raiz.crt"), pemData, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secundaria.cer"), other.Raw, 0o644); err != nil {
		t.Fatal(err)
	}
	// broken and irrelevant files must be skipped, not fatal
	if err := os.WriteFile(filepath.Join(dir, "broken.crt"), []byte("not a cert"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := LoadStore(dir, quietLogger())
	if err != nil {
		t.Fatalf("LoadStore failed: %v", err)
	}
	if store.Len() != 2 {
		t.Errorf("loaded %d certificates, want 2", store.Len())
	}
	if store.FindBySubject(root.RawSubject) == nil {
		t.Error("root not found by subject")
	}
}

func TestLoadStoreErrors(t *testing.T) {
	if _, err := LoadStore(filepath.Join(t.TempDir(), "missing"), quietLogger()); !errors.Is(err, ErrNoTrustDir) {
		t.Errorf("got %v, want ErrNoTrustDir", err)
	}
	if _, err := LoadStore(t.TempDir(), quietLogger()); !errors.Is(err, ErrEmptyStore) {
		t.Errorf("got %v, want ErrEmptyStore", err)
	}
}

func TestHeuristicValidator(t *testing.T) {
	root, rootKey := makeCert(t, "AC Raiz de Teste", nil, nil)
	leaf, _ := makeCert(t, "FULANO DE TAL", root, rootKey)
	stranger, strangerKey := makeCert(t, "AC Desconhecida", nil, nil)
	strangerLeaf, _ := makeCert(t, "OUTRO SUJEITO", stranger, strangerKey)
	govCA, govKey := makeCert(t, "Autoridade Certificadora do SERPRO", nil, nil)
	govLeaf, _ := makeCert(t, "SERVIDOR", govCA, govKey)

	store := NewStore([]*x509.Certificate{root})
	v := NewHeuristicValidator(store)

	tests := []struct {
		name    string
		chain   []*x509.Certificate
		wantErr error
	}{
		{"issued by trusted root", []*x509.Certificate{leaf}, nil},
		{"chain contains the root itself", []*x509.Certificate{strangerLeaf, root}, nil},
		{"issued by known intermediate", []*x509.Certificate{govLeaf}, nil},
		{"untrusted chain", []*x509.Certificate{strangerLeaf}, ErrUntrustedChain},
		{"empty chain", nil, ErrUntrustedChain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.chain)
			if !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFindIssuer(t *testing.T) {
	root, rootKey := makeCert(t, "AC Raiz de Teste", nil, nil)
	intermediate, interKey := makeCert(t, "AC Emissora", root, rootKey)
	leaf, _ := makeCert(t, "FULANO DE TAL", intermediate, interKey)

	store := NewStore([]*x509.Certificate{root})
	v := NewHeuristicValidator(store)

	if got := v.FindIssuer(leaf, []*x509.Certificate{leaf, intermediate}); got != intermediate {
		t.Error("issuer not found in embedded chain")
	}
	if got := v.FindIssuer(intermediate, []*x509.Certificate{intermediate}); got != root {
		t.Error("issuer not found in trusted store")
	}
	if got := v.FindIssuer(leaf, []*x509.Certificate{leaf}); got != nil {
		t.Errorf("expected nil issuer, got %v", got.Subject.CommonName)
	}
}
