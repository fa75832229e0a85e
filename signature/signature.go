// Package signature holds the petition signature records and their
// verification state machine.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Status is the verification state of a signature. Transitions move
// pending -> processing -> approved | rejected | manual_review; errors
// during automatic verification land in manual_review once retries are
// exhausted.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusManualReview Status = "manual_review"
)

// Signature is one signed petition document awaiting or past
// verification. Signers do not need an account; identity comes from
// the certificate inside the signed PDF.
type Signature struct {
	ID         int64
	UUID       string
	PetitionID string

	FullName string
	Email    string
	City     string
	State    string

	// CPFHash and IPHash store SHA-256 digests; the raw values are
	// never persisted.
	CPFHash string
	IPHash  string

	// DisplayNamePublicly controls whether the full name or only the
	// initials appear on public lists.
	DisplayNamePublicly bool

	// PDFPath locates the signed document in blob storage.
	PDFPath string

	// UserAgent of the submission request, kept for the chain of
	// custody record.
	UserAgent string

	Status          Status
	RejectionReason string
	Attempts        int

	CertificateSubject string
	CertificateIssuer  string
	CertificateSerial  string
	VerifiedCPFMatch   bool

	// Custody record, filled in after approval.
	VerificationHash       string
	CustodyCertificatePath string

	CreatedAt             time.Time
	UpdatedAt             time.Time
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	VerifiedAt            *time.Time
	CertificateIssuedAt   *time.Time
}

// HashCPF hashes a CPF for storage and duplicate detection. Formatting
// characters are stripped first so "123.456.789-01" and "12345678901"
// collide.
func HashCPF(cpf string) string {
	var digits strings.Builder
	for _, r := range cpf {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(digits.String()))
	return hex.EncodeToString(sum[:])
}

// HashIP hashes a remote address for storage.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// DisplayName returns the public form of the signer's name: the full
// name when the signer opted in, otherwise initials such as "J. S.".
func (s *Signature) DisplayName() string {
	if s.DisplayNamePublicly {
		return s.FullName
	}
	parts := strings.Fields(s.FullName)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return initialOf(parts[0])
	default:
		return initialOf(parts[0]) + " " + initialOf(parts[len(parts)-1])
	}
}

func initialOf(word string) string {
	for _, r := range word {
		return string(r) + "."
	}
	return ""
}

// Verified reports whether the signature counts toward the petition.
func (s *Signature) Verified() bool {
	return s.Status == StatusApproved
}
