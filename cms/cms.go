// Package cms parses and verifies CMS (Cryptographic Message Syntax)
// SignedData structures as found in PDF signature dictionaries.
//
// Only the verification side of RFC 5652 is implemented: the package
// extracts the embedded certificate chain, identifies the signer
// certificate and checks the cryptographic signature over the signed
// content. Producing signatures is out of scope.
package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"math/big"
	"time"
)

// OIDs used by SignedData structures.
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
)

// Common errors
var (
	ErrNotSignedData        = errors.New("content is not CMS SignedData")
	ErrNoCertificates       = errors.New("signature carries no certificates")
	ErrNoSignerInfo         = errors.New("signature carries no signer info")
	ErrDigestMismatch       = errors.New("message digest does not match signed content")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// contentInfo is the outer CMS envelope.
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// EncapsulatedContentInfo represents encapsulated content.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// signerInfoRaw keeps the signed attributes as raw bytes so the digest
// can be recomputed over the exact encoding the signer used.
type signerInfoRaw struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// signedDataRaw keeps signer infos raw for the same reason.
type signedDataRaw struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// SignedData is a parsed CMS SignedData blob.
type SignedData struct {
	raw     signedDataRaw
	signers []signerInfoRaw
	certs   []*x509.Certificate
}

// ParseSignedData parses the DER blob from a signature dictionary.
// PDF producers reserve space for the blob ahead of time, so trailing
// zero padding after the ASN.1 structure is tolerated.
func ParseSignedData(data []byte) (*SignedData, error) {
	trimmed := bytes.TrimRight(data, "\x00")
	if len(trimmed) == 0 {
		return nil, ErrNotSignedData
	}

	var info contentInfo
	if _, err := asn1.Unmarshal(trimmed, &info); err != nil {
		return nil, fmt.Errorf("parse ContentInfo: %w", err)
	}
	if !info.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: content type %v", ErrNotSignedData, info.ContentType)
	}

	sd := &SignedData{}
	if _, err := asn1.Unmarshal(info.Content.Bytes, &sd.raw); err != nil {
		return nil, fmt.Errorf("parse SignedData: %w", err)
	}

	for _, siRaw := range sd.raw.SignerInfos {
		var si signerInfoRaw
		if _, err := asn1.Unmarshal(siRaw.FullBytes, &si); err != nil {
			return nil, fmt.Errorf("parse SignerInfo: %w", err)
		}
		sd.signers = append(sd.signers, si)
	}

	for _, certRaw := range sd.raw.Certificates {
		cert, err := x509.ParseCertificate(certRaw.FullBytes)
		if err != nil {
			// attribute certificates and other entries are skipped
			continue
		}
		sd.certs = append(sd.certs, cert)
	}

	return sd, nil
}

// Certificates returns every X.509 certificate embedded in the blob,
// in the order the signer included them.
func (sd *SignedData) Certificates() []*x509.Certificate {
	return sd.certs
}

// SignerCertificate returns the certificate of the first signer. The
// signer info's issuer-and-serial reference is matched first, on both
// fields, since serial numbers are only unique per issuer; when no
// signer info is usable, the leaf heuristic picks the certificate that
// issued no other certificate in the blob.
func (sd *SignedData) SignerCertificate() (*x509.Certificate, error) {
	if len(sd.certs) == 0 {
		return nil, ErrNoCertificates
	}

	for _, si := range sd.signers {
		if si.SID.SerialNumber == nil {
			continue
		}
		for _, cert := range sd.certs {
			if cert.SerialNumber.Cmp(si.SID.SerialNumber) != 0 {
				continue
			}
			if len(si.SID.Issuer.FullBytes) > 0 && !bytes.Equal(si.SID.Issuer.FullBytes, cert.RawIssuer) {
				continue
			}
			return cert, nil
		}
	}

	for _, candidate := range sd.certs {
		issued := false
		for _, other := range sd.certs {
			if other == candidate {
				continue
			}
			if bytes.Equal(other.RawIssuer, candidate.RawSubject) {
				issued = true
				break
			}
		}
		if !issued {
			return candidate, nil
		}
	}
	return sd.certs[0], nil
}

// SigningTime returns the signing-time attribute of the first signer,
// when present.
func (sd *SignedData) SigningTime() (time.Time, bool) {
	for _, si := range sd.signers {
		for _, attr := range parseAttributes(si.SignedAttrs.Bytes) {
			if !attr.Type.Equal(OIDSigningTime) || len(attr.Values) == 0 {
				continue
			}
			var t time.Time
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &t); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// Verify checks the first signer's signature against the signed content.
// When signed attributes are present the content digest must match the
// message-digest attribute and the signature covers the attributes;
// otherwise the signature covers the content directly.
func (sd *SignedData) Verify(signedContent []byte) error {
	if len(sd.signers) == 0 {
		return ErrNoSignerInfo
	}
	si := sd.signers[0]

	signerCert, err := sd.SignerCertificate()
	if err != nil {
		return err
	}

	h, err := hashFromOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	h.Write(signedContent)
	contentDigest := h.Sum(nil)

	signed := signedContent
	if len(si.SignedAttrs.Bytes) > 0 {
		attrs := parseAttributes(si.SignedAttrs.Bytes)
		declared := messageDigest(attrs)
		if declared == nil {
			return fmt.Errorf("%w: no message digest attribute", ErrInvalidSignature)
		}
		if !bytes.Equal(declared, contentDigest) {
			return ErrDigestMismatch
		}
		// The signature covers the attributes re-encoded as a
		// plain SET rather than the implicit [0] from the wire.
		signed = wrapSet(si.SignedAttrs.Bytes)
	}

	hashType := hashTypeFromOID(si.DigestAlgorithm.Algorithm)
	h2, _ := hashFromOID(si.DigestAlgorithm.Algorithm)
	h2.Write(signed)
	digest := h2.Sum(nil)

	switch key := signerCert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, hashType, digest, si.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, si.Signature) {
			return ErrInvalidSignature
		}
	default:
		return fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, signerCert.PublicKey)
	}
	return nil
}

// parseAttributes decodes a concatenation of DER Attribute values, the
// content bytes of the implicit [0] SignedAttrs field.
func parseAttributes(data []byte) []Attribute {
	var attrs []Attribute
	rest := data
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return attrs
		}
		attrs = append(attrs, attr)
	}
	return attrs
}

func messageDigest(attrs []Attribute) []byte {
	for _, attr := range attrs {
		if attr.Type.Equal(OIDMessageDigest) && len(attr.Values) > 0 {
			var digest []byte
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &digest); err == nil {
				return digest
			}
		}
	}
	return nil
}

// wrapSet rebuilds the SET OF wrapper around the attribute bytes with a
// definite DER length, producing the encoding the signer hashed.
func wrapSet(content []byte) []byte {
	n := len(content)
	var header []byte
	switch {
	case n < 0x80:
		header = []byte{0x31, byte(n)}
	case n <= 0xff:
		header = []byte{0x31, 0x81, byte(n)}
	case n <= 0xffff:
		header = []byte{0x31, 0x82, byte(n >> 8), byte(n)}
	default:
		header = []byte{0x31, 0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}
	return append(header, content...)
}

func hashFromOID(oid asn1.ObjectIdentifier) (hash.Hash, error) {
	switch {
	case oid.Equal(OIDSHA1):
		return sha1.New(), nil
	case oid.Equal(OIDSHA256):
		return sha256.New(), nil
	case oid.Equal(OIDSHA384):
		return sha512.New384(), nil
	case oid.Equal(OIDSHA512):
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, oid)
	}
}

func hashTypeFromOID(oid asn1.ObjectIdentifier) crypto.Hash {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1
	case oid.Equal(OIDSHA384):
		return crypto.SHA384
	case oid.Equal(OIDSHA512):
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}
