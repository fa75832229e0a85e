// Package trust loads the national PKI root certificates and validates
// that signing certificates chain to them.
package trust

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Common errors
var (
	ErrNoTrustDir     = errors.New("trusted certificate directory not found")
	ErrEmptyStore     = errors.New("no trusted certificates loaded")
	ErrUntrustedChain = errors.New("certificate does not chain to a trusted root")
)

// certExtensions are the file suffixes scanned for trusted roots.
var certExtensions = map[string]bool{
	".crt": true,
	".cer": true,
	".pem": true,
}

// Store holds the trusted root certificates the verifier accepts.
type Store struct {
	certs []*x509.Certificate
}

// NewStore builds a store from pre-loaded certificates.
func NewStore(certs []*x509.Certificate) *Store {
	return &Store{certs: certs}
}

// LoadStore reads every certificate file in dir. Files that fail to
// parse are skipped with a warning; an empty result is an error because
// a verifier without roots would reject every signature.
func LoadStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTrustDir, dir)
	}

	store := &Store{}
	for _, entry := range entries {
		if entry.IsDir() || !certExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable certificate file", "path", path, "error", err)
			continue
		}
		certs, err := parseCertificates(data)
		if err != nil {
			logger.Warn("skipping unparseable certificate file", "path", path, "error", err)
			continue
		}
		store.certs = append(store.certs, certs...)
	}

	if len(store.certs) == 0 {
		return nil, fmt.Errorf("%w: directory %s", ErrEmptyStore, dir)
	}
	logger.Info("trusted certificates loaded", "dir", dir, "count", len(store.certs))
	return store, nil
}

// parseCertificates decodes PEM blocks when present, otherwise treats
// the data as a single DER certificate.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	if bytes.Contains(data, []byte("-----BEGIN")) {
		var certs []*x509.Certificate
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		if len(certs) == 0 {
			return nil, errors.New("no certificate blocks in PEM data")
		}
		return certs, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return []*x509.Certificate{cert}, nil
}

// Certificates returns the trusted roots.
func (s *Store) Certificates() []*x509.Certificate {
	return s.certs
}

// Len returns the number of trusted roots.
func (s *Store) Len() int {
	return len(s.certs)
}

// FindBySubject returns the trusted certificate whose subject matches
// the given raw DN, or nil.
func (s *Store) FindBySubject(rawSubject []byte) *x509.Certificate {
	for _, cert := range s.certs {
		if bytes.Equal(cert.RawSubject, rawSubject) {
			return cert
		}
	}
	return nil
}
