package trust

import (
	"bytes"
	"crypto/x509"
	"strings"
)

// ChainValidator decides whether a certificate chain is anchored in the
// national PKI. Implementations receive the signer's full embedded
// chain, leaf first when the producer ordered it.
type ChainValidator interface {
	Validate(chain []*x509.Certificate) error
}

// DefaultIntermediates are issuing CAs commonly seen under the national
// roots whose issued certificates arrive without the full chain
// embedded.
var DefaultIntermediates = []string{
	"AC Intermediaria do Governo Federal do Brasil",
	"AC Final do Governo Federal do Brasil",
	"Autoridade Certificadora do SERPRO",
	"Secretaria da Receita Federal do Brasil",
	"Gov-Br",
}

// HeuristicValidator accepts a chain when any certificate in it is
// issued by a trusted root, is itself a trusted root, or is issued by a
// well-known intermediate. Cryptographic issuer-signature verification
// is not performed: signers routinely omit intermediates, so a strict
// x509 chain build would reject most real documents. The ChainValidator
// interface is the seam for a stricter implementation.
type HeuristicValidator struct {
	Store         *Store
	Intermediates []string
}

// NewHeuristicValidator builds a validator over the store using the
// default intermediate list.
func NewHeuristicValidator(store *Store) *HeuristicValidator {
	return &HeuristicValidator{Store: store, Intermediates: DefaultIntermediates}
}

// Validate implements ChainValidator.
func (v *HeuristicValidator) Validate(chain []*x509.Certificate) error {
	for _, cert := range chain {
		if v.Store.FindBySubject(cert.RawIssuer) != nil {
			return nil
		}
		if v.Store.FindBySubject(cert.RawSubject) != nil {
			return nil
		}
		issuer := cert.Issuer.String()
		for _, name := range v.Intermediates {
			if strings.Contains(issuer, name) {
				return nil
			}
		}
	}
	return ErrUntrustedChain
}

// FindIssuer locates the issuer certificate of cert, searching the
// embedded chain first and the trusted roots second. Returns nil when
// the issuer is not available, which disables the OCSP fallback.
func (v *HeuristicValidator) FindIssuer(cert *x509.Certificate, chain []*x509.Certificate) *x509.Certificate {
	for _, candidate := range chain {
		if candidate == cert {
			continue
		}
		if bytes.Equal(candidate.RawSubject, cert.RawIssuer) {
			return candidate
		}
	}
	return v.Store.FindBySubject(cert.RawIssuer)
}
