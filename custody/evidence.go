package custody

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Version identifies the evidence and chain-of-custody record format.
const Version = "1.0"

// SystemName appears in the evidence metadata section.
const SystemName = "Petição Brasil"

// Verification step names, in the order the pipeline runs them.
const (
	StepFileValidation        = "file_validation"
	StepSignatureExtraction   = "signature_extraction"
	StepCertificateValidation = "certificate_validation"
	StepChainValidation       = "certificate_chain_validation"
	StepValidityPeriod        = "validity_period_check"
	StepCPFExtraction         = "cpf_extraction"
	StepContentIntegrity      = "content_integrity"
	StepUUIDVerification      = "uuid_verification"
	StepDuplicateCheck        = "duplicate_check"
	StepSecurityScan          = "security_scan"
)

// Step statuses recorded in the evidence.
const (
	StepPassed  = "passed"
	StepSkipped = "skipped"
)

// Input carries everything needed to assemble a verification evidence
// record for one signature.
type Input struct {
	SignatureUUID string
	PetitionUUID  string

	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time

	FileSize int64

	CertificateSubject string
	CertificateIssuer  string
	CertificateSerial  string
	CertNotBefore      *time.Time
	CertNotAfter       *time.Time

	CPFVerified bool

	CPFHash  string
	FullName string
	Email    string
	City     string
	State    string
}

// Step is one entry in the verification step log.
type Step struct {
	Step              string `json:"step"`
	Status            string `json:"status"`
	Timestamp         string `json:"timestamp,omitempty"`
	Details           string `json:"details"`
	CertificateSerial string `json:"certificate_serial,omitempty"`
}

// CertificateDetails summarizes the signer certificate.
type CertificateDetails struct {
	Issuer       string `json:"issuer"`
	Subject      string `json:"subject"`
	SerialNumber string `json:"serial_number"`
	NotBefore    string `json:"not_before,omitempty"`
	NotAfter     string `json:"not_after,omitempty"`
}

// FileIntegrity records facts about the signed document file.
type FileIntegrity struct {
	FileSizeBytes int64 `json:"file_size_bytes"`
	UUIDVerified  bool  `json:"uuid_verified"`
}

// SignerInformation identifies the signer. The CPF is stored only as
// a hash.
type SignerInformation struct {
	CPFHash  string `json:"cpf_hash"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	City     string `json:"city"`
	State    string `json:"state"`
}

// Metadata describes the verifier that produced the evidence.
type Metadata struct {
	VerifierVersion           string   `json:"verifier_version"`
	System                    string   `json:"system"`
	ProcessingDurationSeconds *float64 `json:"processing_duration_seconds"`
}

// Evidence is the complete verification evidence record for one
// signature. Its canonical JSON form is what the verification hash
// covers.
type Evidence struct {
	Version       string `json:"version"`
	SignatureUUID string `json:"signature_uuid"`
	PetitionUUID  string `json:"petition_uuid"`
	Timestamp     string `json:"timestamp"`

	VerificationSteps  []Step             `json:"verification_steps"`
	CertificateDetails CertificateDetails `json:"certificate_details"`
	FileIntegrity      FileIntegrity      `json:"file_integrity"`
	SignerInformation  SignerInformation  `json:"signer_information"`
	Metadata           Metadata           `json:"metadata"`
}

// BuildEvidence assembles the evidence record for a verified
// signature. The first six steps are stamped with the processing
// start time and the rest with the completion time, matching when
// the pipeline actually performed them. Every field comes from the
// persisted signature, so rebuilding the record always reproduces
// the same verification hash; now is used only when the completion
// time was never recorded.
func BuildEvidence(in Input, now time.Time) *Evidence {
	started := formatTime(in.ProcessingStartedAt)
	completed := formatTime(in.ProcessingCompletedAt)

	stamp := now
	if in.ProcessingCompletedAt != nil {
		stamp = *in.ProcessingCompletedAt
	}

	fileDetails := "PDF validated"
	if in.FileSize > 0 {
		fileDetails = fmt.Sprintf("PDF file validated successfully - size: %d bytes", in.FileSize)
	}

	cpfStatus := StepSkipped
	if in.CPFVerified {
		cpfStatus = StepPassed
	}

	steps := []Step{
		{Step: StepFileValidation, Status: StepPassed, Timestamp: started, Details: fileDetails},
		{Step: StepSignatureExtraction, Status: StepPassed, Timestamp: started, Details: "PKCS#7 digital signature extracted from PDF"},
		{Step: StepCertificateValidation, Status: StepPassed, Timestamp: started, Details: "ICP-Brasil certificate chain validated", CertificateSerial: in.CertificateSerial},
		{Step: StepChainValidation, Status: StepPassed, Timestamp: started, Details: "Certificate chain verified against ICP-Brasil roots"},
		{Step: StepValidityPeriod, Status: StepPassed, Timestamp: started, Details: "Certificate is within validity period"},
		{Step: StepCPFExtraction, Status: cpfStatus, Timestamp: started, Details: "CPF extracted and verified from certificate subject"},
		{Step: StepContentIntegrity, Status: StepPassed, Timestamp: completed, Details: "PDF content hash verified against original petition"},
		{Step: StepUUIDVerification, Status: StepPassed, Timestamp: completed, Details: "Petition UUID verified in signed PDF"},
		{Step: StepDuplicateCheck, Status: StepPassed, Timestamp: completed, Details: "No duplicate signature found for this CPF"},
		{Step: StepSecurityScan, Status: StepPassed, Timestamp: completed, Details: "No security threats detected"},
	}

	var duration *float64
	if in.ProcessingStartedAt != nil && in.ProcessingCompletedAt != nil {
		seconds := in.ProcessingCompletedAt.Sub(*in.ProcessingStartedAt).Seconds()
		duration = &seconds
	}

	return &Evidence{
		Version:           Version,
		SignatureUUID:     in.SignatureUUID,
		PetitionUUID:      in.PetitionUUID,
		Timestamp:         stamp.UTC().Format(time.RFC3339),
		VerificationSteps: steps,
		CertificateDetails: CertificateDetails{
			Issuer:       in.CertificateIssuer,
			Subject:      in.CertificateSubject,
			SerialNumber: in.CertificateSerial,
			NotBefore:    formatTime(in.CertNotBefore),
			NotAfter:     formatTime(in.CertNotAfter),
		},
		FileIntegrity: FileIntegrity{
			FileSizeBytes: in.FileSize,
			UUIDVerified:  true,
		},
		SignerInformation: SignerInformation{
			CPFHash:  in.CPFHash,
			FullName: in.FullName,
			Email:    in.Email,
			City:     in.City,
			State:    in.State,
		},
		Metadata: Metadata{
			VerifierVersion:           Version,
			System:                    SystemName,
			ProcessingDurationSeconds: duration,
		},
	}
}

// VerificationHash computes the SHA-256 hash of the evidence in its
// canonical JSON form. Anyone holding the evidence can recompute the
// hash and detect tampering.
func VerificationHash(evidence *Evidence) (string, error) {
	canonical, err := CanonicalJSON(evidence)
	if err != nil {
		return "", fmt.Errorf("canonicalize evidence: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalEvidence renders the evidence as indented JSON for storage
// and display. The verification hash is always computed over the
// canonical form, not this one.
func MarshalEvidence(evidence *Evidence) ([]byte, error) {
	return json.MarshalIndent(evidence, "", "  ")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
