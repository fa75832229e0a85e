package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/thsteixeira/peticao-brasil/signature"
	"github.com/thsteixeira/peticao-brasil/storage"
)

// ErrNotApproved is returned when a custody certificate is requested
// for a signature that has not been approved.
var ErrNotApproved = errors.New("custody: signature is not approved")

// recorder is the slice of the signature store the service needs.
type recorder interface {
	StoreCustodyRecord(ctx context.Context, uuid string, rec signature.CustodyRecord) error
}

// Service generates custody records for approved signatures: the
// evidence JSON, its verification hash, the chain of custody, and a
// printable certificate stored alongside the signed document.
type Service struct {
	store  recorder
	blobs  storage.Blob
	logger *slog.Logger

	// BaseURL is the public site prefix for certificate
	// verification links.
	BaseURL string

	now func() time.Time
}

func NewService(store recorder, blobs storage.Blob, baseURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		blobs:   blobs,
		logger:  logger,
		BaseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Result reports what Generate produced.
type Result struct {
	CertificatePath  string
	VerificationHash string
	Evidence         *Evidence
	Chain            *Chain
}

// Generate builds and stores the complete custody record for an
// approved signature. Regenerating is safe: the certificate path is
// deterministic and the evidence is built only from persisted fields,
// so a rebuilt record carries the same verification hash.
func (s *Service) Generate(ctx context.Context, sig *signature.Signature, petitionTitle string) (*Result, error) {
	if sig.Status != signature.StatusApproved {
		return nil, ErrNotApproved
	}

	fileSize, err := s.signedFileSize(ctx, sig.PDFPath)
	if err != nil {
		s.logger.Warn("signed document unavailable for evidence", "uuid", sig.UUID, "error", err)
	}

	now := s.now().UTC()

	evidence := BuildEvidence(Input{
		SignatureUUID:         sig.UUID,
		PetitionUUID:          sig.PetitionID,
		ProcessingStartedAt:   sig.ProcessingStartedAt,
		ProcessingCompletedAt: sig.ProcessingCompletedAt,
		FileSize:              fileSize,
		CertificateSubject:    sig.CertificateSubject,
		CertificateIssuer:     sig.CertificateIssuer,
		CertificateSerial:     sig.CertificateSerial,
		CPFVerified:           sig.VerifiedCPFMatch,
		CPFHash:               sig.CPFHash,
		FullName:              sig.FullName,
		Email:                 sig.Email,
		City:                  sig.City,
		State:                 sig.State,
	}, now)

	hash, err := VerificationHash(evidence)
	if err != nil {
		return nil, err
	}

	chain := BuildChain(ChainInput{
		SubmittedAt:           &sig.CreatedAt,
		IPHash:                sig.IPHash,
		UserAgent:             sig.UserAgent,
		ProcessingStartedAt:   sig.ProcessingStartedAt,
		ProcessingCompletedAt: sig.ProcessingCompletedAt,
		VerificationStatus:    string(sig.Status),
		VerifiedAt:            sig.VerifiedAt,
		CertificateIssuedAt:   &now,
	})

	pdf, err := RenderCertificate(CertificateData{
		SignatureUUID:      sig.UUID,
		PetitionTitle:      petitionTitle,
		SignerName:         sig.FullName,
		City:               sig.City,
		State:              sig.State,
		CertificateSubject: sig.CertificateSubject,
		CertificateIssuer:  sig.CertificateIssuer,
		CertificateSerial:  sig.CertificateSerial,
		VerificationHash:   hash,
		VerificationURL:    s.VerificationURL(sig.UUID),
		IssuedAt:           now,
		Steps:              evidence.VerificationSteps,
		Chain:              chain,
	})
	if err != nil {
		return nil, fmt.Errorf("render custody certificate: %w", err)
	}

	path := CertificatePath(sig.UUID)
	if err := s.blobs.Put(ctx, path, pdf); err != nil {
		return nil, fmt.Errorf("store custody certificate: %w", err)
	}

	evidenceJSON, err := MarshalEvidence(evidence)
	if err != nil {
		return nil, err
	}
	chainJSON, err := CanonicalJSON(chain)
	if err != nil {
		return nil, err
	}

	err = s.store.StoreCustodyRecord(ctx, sig.UUID, signature.CustodyRecord{
		EvidenceJSON:    string(evidenceJSON),
		Hash:            hash,
		ChainJSON:       string(chainJSON),
		CertificatePath: path,
	})
	if err != nil {
		return nil, fmt.Errorf("store custody record: %w", err)
	}

	s.logger.Info("custody certificate generated",
		"uuid", sig.UUID, "path", path, "hash", hash)

	return &Result{
		CertificatePath:  path,
		VerificationHash: hash,
		Evidence:         evidence,
		Chain:            chain,
	}, nil
}

// VerificationURL is the public address where the certificate can be
// checked.
func (s *Service) VerificationURL(uuid string) string {
	if s.BaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/assinaturas/verify-certificate/%s/", s.BaseURL, uuid)
}

// CertificatePath is the deterministic blob key for a signature's
// custody certificate.
func CertificatePath(uuid string) string {
	return fmt.Sprintf("signatures/custody_certificates/custody_certificate_%s.pdf", uuid)
}

func (s *Service) signedFileSize(ctx context.Context, path string) (int64, error) {
	if path == "" {
		return 0, nil
	}
	data, err := s.blobs.Get(ctx, path)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
