package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thsteixeira/peticao-brasil/custody"
	"github.com/thsteixeira/peticao-brasil/metrics"
	"github.com/thsteixeira/peticao-brasil/notify"
	"github.com/thsteixeira/peticao-brasil/revocation"
	"github.com/thsteixeira/peticao-brasil/signature"
	"github.com/thsteixeira/peticao-brasil/storage"
)

// DefaultMaxAttempts is how many verification attempts a signature
// gets before landing in manual review.
const DefaultMaxAttempts = 3

// Orchestrator runs verifications end to end: claims the record,
// fetches the document, applies the pipeline, and commits the outcome
// with its side effects.
type Orchestrator struct {
	Store    *signature.Store
	Blobs    storage.Blob
	Verifier *Verifier
	Custody  *custody.Service
	Notifier notify.Notifier

	MaxAttempts int

	logger *slog.Logger
	now    func() time.Time
}

func NewOrchestrator(store *signature.Store, blobs storage.Blob, verifier *Verifier, custodySvc *custody.Service, notifier notify.Notifier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Orchestrator{
		Store:       store,
		Blobs:       blobs,
		Verifier:    verifier,
		Custody:     custodySvc,
		Notifier:    notifier,
		MaxAttempts: DefaultMaxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Process verifies one signature by UUID. Records that are not
// pending are skipped without error, so duplicate jobs are harmless.
// A returned error means the attempt was transient and the record was
// requeued; final outcomes always return nil.
func (o *Orchestrator) Process(ctx context.Context, uuid string) error {
	start := o.now()

	sig, err := o.Store.GetByUUID(ctx, uuid)
	if err != nil {
		return fmt.Errorf("load signature: %w", err)
	}

	if err := o.Store.MarkProcessing(ctx, uuid); err != nil {
		if errors.Is(err, signature.ErrInvalidTransition) {
			o.logger.Info("signature not pending, skipping", "uuid", uuid, "status", sig.Status)
			return nil
		}
		return fmt.Errorf("claim signature: %w", err)
	}

	data, err := o.Blobs.Get(ctx, sig.PDFPath)
	if err != nil {
		return o.handleTransient(ctx, sig, fmt.Errorf("load signed document: %w", err))
	}

	verdict, err := o.Verifier.VerifyPDF(ctx, data, sig.PetitionID)
	if err != nil {
		if Retryable(err) {
			return o.handleTransient(ctx, sig, err)
		}
		return o.handleTransient(ctx, sig, fmt.Errorf("verification: %w", err))
	}

	if err := o.commit(ctx, sig, verdict); err != nil {
		return err
	}

	metrics.RecordVerification(outcomeLabel(verdict), o.now().Sub(start))
	return nil
}

func (o *Orchestrator) commit(ctx context.Context, sig *signature.Signature, verdict *Verdict) error {
	uuid := sig.UUID

	switch {
	case verdict.Verified:
		record := signature.CertificateRecord{CPFMatch: cpfMatches(sig, verdict)}
		if verdict.CertificateInfo != nil {
			record.Subject = verdict.CertificateInfo.Subject
			record.Issuer = verdict.CertificateInfo.Issuer
			record.Serial = verdict.CertificateInfo.SerialNumber
		}
		if err := o.Store.Approve(ctx, uuid, record); err != nil {
			return fmt.Errorf("approve signature: %w", err)
		}
		o.notify(ctx, sig, notify.OutcomeApproved, "")
		o.generateCustody(ctx, uuid)

	case verdict.ManualReview:
		if err := o.Store.MarkManualReview(ctx, uuid, verdict.Reason); err != nil {
			return fmt.Errorf("mark manual review: %w", err)
		}
		o.notify(ctx, sig, notify.OutcomeManualReview, verdict.Reason)

	default:
		if err := o.Store.Reject(ctx, uuid, verdict.Reason); err != nil {
			return fmt.Errorf("reject signature: %w", err)
		}
		outcome := notify.OutcomeRejected
		if verdict.RejectionCode == RejectCNPJNotAccepted {
			outcome = notify.OutcomeCNPJRejected
		}
		o.notify(ctx, sig, outcome, verdict.Reason)
	}
	return nil
}

// handleTransient decides the fate of an attempt that could not reach
// a verdict. Most failures are retried and eventually land in manual
// review, but an unverifiable revocation status is a security
// boundary: once retries are exhausted the signature is rejected, it
// never counts on the strength of a status nobody could confirm.
func (o *Orchestrator) handleTransient(ctx context.Context, sig *signature.Signature, cause error) error {
	uuid := sig.UUID
	attempts, err := o.Store.IncrementAttempts(ctx, uuid)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	if attempts >= o.MaxAttempts {
		if errors.Is(cause, revocation.ErrUnableToVerify) {
			reason := "Não foi possível confirmar a situação de revogação do certificado " +
				"junto à autoridade certificadora. A assinatura foi rejeitada por segurança."
			if err := o.Store.Reject(ctx, uuid, reason); err != nil {
				return fmt.Errorf("reject signature: %w", err)
			}
			o.logger.Error("revocation status unverifiable, signature rejected",
				"uuid", uuid, "attempts", attempts, "error", cause)
			o.notify(ctx, sig, notify.OutcomeRejected, reason)
			metrics.RecordVerification("rejected", 0)
			return nil
		}

		note := fmt.Sprintf("verificação automática falhou %d vezes: %v", attempts, cause)
		if err := o.Store.MarkManualReview(ctx, uuid, note); err != nil {
			return fmt.Errorf("mark manual review: %w", err)
		}
		o.logger.Error("verification attempts exhausted, manual review",
			"uuid", uuid, "attempts", attempts, "error", cause)
		o.notify(ctx, sig, notify.OutcomeManualReview, note)
		metrics.RecordVerification("manual_review", 0)
		return nil
	}

	if err := o.Store.Requeue(ctx, uuid); err != nil {
		return fmt.Errorf("requeue signature: %w", err)
	}
	o.logger.Warn("verification attempt failed, requeued",
		"uuid", uuid, "attempt", attempts, "error", cause)
	return cause
}

// generateCustody builds the custody record after approval. Failures
// are logged, never propagated: the approval already counted and the
// certificate can be regenerated later.
func (o *Orchestrator) generateCustody(ctx context.Context, uuid string) {
	if o.Custody == nil {
		return
	}

	sig, err := o.Store.GetByUUID(ctx, uuid)
	if err != nil {
		o.logger.Error("custody generation: reload failed", "uuid", uuid, "error", err)
		return
	}
	title := ""
	if t, err := o.Store.PetitionTitle(ctx, sig.PetitionID); err == nil {
		title = t
	}
	if _, err := o.Custody.Generate(ctx, sig, title); err != nil {
		o.logger.Error("custody certificate generation failed", "uuid", uuid, "error", err)
		return
	}
	metrics.RecordCustodyCertificate()
}

func (o *Orchestrator) notify(ctx context.Context, sig *signature.Signature, outcome notify.Outcome, reason string) {
	err := o.Notifier.Notify(ctx, notify.Notification{
		SignatureUUID: sig.UUID,
		PetitionID:    sig.PetitionID,
		Email:         sig.Email,
		Outcome:       outcome,
		Reason:        reason,
	})
	if err != nil {
		o.logger.Warn("notification failed", "uuid", sig.UUID, "outcome", string(outcome), "error", err)
	}
}

// cpfMatches compares the registry number found in the certificate
// against the CPF the signer declared at submission.
func cpfMatches(sig *signature.Signature, verdict *Verdict) bool {
	if verdict.CertificateInfo == nil || verdict.CertificateInfo.CPF == "" {
		return false
	}
	return signature.HashCPF(verdict.CertificateInfo.CPF) == sig.CPFHash
}

func outcomeLabel(verdict *Verdict) string {
	switch {
	case verdict.Verified:
		return "approved"
	case verdict.ManualReview:
		return "manual_review"
	default:
		return "rejected"
	}
}
