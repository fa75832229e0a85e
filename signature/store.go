package signature

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store errors
var (
	ErrNotFound           = errors.New("signature not found")
	ErrDuplicateSignature = errors.New("petition already signed by this CPF")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// Store persists signatures and petition counters in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore opens (creating if needed) the database at path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	store := &Store{db: db, logger: logger, now: time.Now}
	if err := store.init(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS petitions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			signature_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create petitions table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS signatures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			petition_id TEXT NOT NULL REFERENCES petitions(id),
			full_name TEXT NOT NULL,
			email TEXT NOT NULL,
			city TEXT,
			state TEXT,
			cpf_hash TEXT NOT NULL,
			ip_hash TEXT,
			display_name_publicly INTEGER NOT NULL DEFAULT 0,
			pdf_path TEXT,
			user_agent TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			rejection_reason TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			certificate_subject TEXT,
			certificate_issuer TEXT,
			certificate_serial TEXT,
			verified_cpf_match INTEGER NOT NULL DEFAULT 0,
			verification_evidence TEXT,
			verification_hash TEXT,
			chain_of_custody TEXT,
			custody_certificate_path TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			processing_started_at DATETIME,
			processing_completed_at DATETIME,
			verified_at DATETIME,
			certificate_generated_at DATETIME,
			UNIQUE (petition_id, cpf_hash)
		);
	`)
	if err != nil {
		return fmt.Errorf("create signatures table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_signatures_status ON signatures (status);
	`)
	if err != nil {
		return fmt.Errorf("create status index: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreatePetition registers a petition so signatures can reference it.
func (s *Store) CreatePetition(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO petitions (id, title, signature_count, created_at) VALUES (?, ?, 0, ?)`,
		id, title, s.now().UTC())
	return err
}

// PetitionTitle returns the title of a petition.
func (s *Store) PetitionTitle(ctx context.Context, petitionID string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx,
		`SELECT title FROM petitions WHERE id = ?`, petitionID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return title, err
}

// PetitionCount returns the approved-signature counter of a petition.
func (s *Store) PetitionCount(ctx context.Context, petitionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT signature_count FROM petitions WHERE id = ?`, petitionID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

// Create inserts a pending signature. A second signature for the same
// petition and CPF returns ErrDuplicateSignature.
func (s *Store) Create(ctx context.Context, sig *Signature) error {
	now := s.now().UTC()
	sig.Status = StatusPending
	sig.CreatedAt = now
	sig.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signatures
			(uuid, petition_id, full_name, email, city, state, cpf_hash, ip_hash,
			 display_name_publicly, pdf_path, user_agent, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.UUID, sig.PetitionID, sig.FullName, sig.Email, sig.City, sig.State,
		sig.CPFHash, sig.IPHash, sig.DisplayNamePublicly, sig.PDFPath, sig.UserAgent,
		StatusPending, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSignature
		}
		return fmt.Errorf("insert signature: %w", err)
	}

	sig.ID, _ = res.LastInsertId()
	s.logger.Info("signature created", "uuid", sig.UUID, "petition", sig.PetitionID)
	return nil
}

// GetByUUID loads one signature.
func (s *Store) GetByUUID(ctx context.Context, uuid string) (*Signature, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, petition_id, full_name, email, city, state, cpf_hash, ip_hash,
		       display_name_publicly, pdf_path, COALESCE(user_agent, ''), status,
		       COALESCE(rejection_reason, ''), attempts,
		       COALESCE(certificate_subject, ''), COALESCE(certificate_issuer, ''),
		       COALESCE(certificate_serial, ''), verified_cpf_match,
		       COALESCE(verification_hash, ''), COALESCE(custody_certificate_path, ''),
		       created_at, updated_at, processing_started_at, processing_completed_at,
		       verified_at, certificate_generated_at
		FROM signatures WHERE uuid = ?`, uuid)
	return scanSignature(row)
}

// ListPending returns up to limit pending signatures, oldest first.
// The periodic sweep uses this to re-queue work that was never picked
// up.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*Signature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uuid, petition_id, full_name, email, city, state, cpf_hash, ip_hash,
		       display_name_publicly, pdf_path, COALESCE(user_agent, ''), status,
		       COALESCE(rejection_reason, ''), attempts,
		       COALESCE(certificate_subject, ''), COALESCE(certificate_issuer, ''),
		       COALESCE(certificate_serial, ''), verified_cpf_match,
		       COALESCE(verification_hash, ''), COALESCE(custody_certificate_path, ''),
		       created_at, updated_at, processing_started_at, processing_completed_at,
		       verified_at, certificate_generated_at
		FROM signatures WHERE status = ? ORDER BY created_at LIMIT ?`,
		StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sigs []*Signature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// MarkProcessing claims a pending signature for verification. Only the
// pending state can be claimed, so two workers cannot process the same
// record.
func (s *Store) MarkProcessing(ctx context.Context, uuid string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE signatures SET status = ?, processing_started_at = ?, updated_at = ?
		WHERE uuid = ? AND status = ?`,
		StatusProcessing, now, now, uuid, StatusPending)
	if err != nil {
		return err
	}
	return s.requireTransition(res, uuid)
}

// Approve marks the signature approved and increments the petition
// counter once. Calling Approve on an already approved signature is a
// no-op, so retried jobs cannot double-count.
func (s *Store) Approve(ctx context.Context, uuid string, cert CertificateRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var petitionID string
	var status Status
	err = tx.QueryRowContext(ctx,
		`SELECT petition_id, status FROM signatures WHERE uuid = ?`, uuid).
		Scan(&petitionID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == StatusApproved {
		return nil
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE signatures
		SET status = ?, verified_at = ?, processing_completed_at = ?, updated_at = ?,
		    certificate_subject = ?, certificate_issuer = ?, certificate_serial = ?,
		    verified_cpf_match = ?, rejection_reason = NULL
		WHERE uuid = ?`,
		StatusApproved, now, now, now,
		cert.Subject, cert.Issuer, cert.Serial, cert.CPFMatch, uuid)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE petitions SET signature_count = signature_count + 1 WHERE id = ?`,
		petitionID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info("signature approved", "uuid", uuid, "petition", petitionID)
	return nil
}

// CertificateRecord is the certificate summary stored on approval.
type CertificateRecord struct {
	Subject  string
	Issuer   string
	Serial   string
	CPFMatch bool
}

// Reject marks the signature rejected with a reason.
func (s *Store) Reject(ctx context.Context, uuid, reason string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE signatures
		SET status = ?, rejection_reason = ?, processing_completed_at = ?, updated_at = ?
		WHERE uuid = ?`,
		StatusRejected, reason, now, now, uuid)
	if err != nil {
		return err
	}
	if err := s.requireRow(res); err != nil {
		return err
	}
	s.logger.Warn("signature rejected", "uuid", uuid, "reason", reason)
	return nil
}

// MarkManualReview routes the signature to a human with a note.
func (s *Store) MarkManualReview(ctx context.Context, uuid, note string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE signatures
		SET status = ?, rejection_reason = ?, processing_completed_at = ?, updated_at = ?
		WHERE uuid = ?`,
		StatusManualReview, note, now, now, uuid)
	if err != nil {
		return err
	}
	return s.requireRow(res)
}

// Requeue returns a processing signature to pending so a later sweep
// can retry it.
func (s *Store) Requeue(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signatures SET status = ?, updated_at = ? WHERE uuid = ? AND status = ?`,
		StatusPending, s.now().UTC(), uuid, StatusProcessing)
	if err != nil {
		return err
	}
	return s.requireTransition(res, uuid)
}

// CustodyRecord is the tamper-evidence bundle stored once the custody
// certificate has been generated.
type CustodyRecord struct {
	EvidenceJSON    string
	Hash            string
	ChainJSON       string
	CertificatePath string
}

// StoreCustodyRecord attaches the verification evidence, its hash,
// the chain of custody, and the generated certificate location to a
// signature.
func (s *Store) StoreCustodyRecord(ctx context.Context, uuid string, rec CustodyRecord) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE signatures
		SET verification_evidence = ?, verification_hash = ?, chain_of_custody = ?,
		    custody_certificate_path = ?, certificate_generated_at = ?, updated_at = ?
		WHERE uuid = ?`,
		rec.EvidenceJSON, rec.Hash, rec.ChainJSON, rec.CertificatePath, now, now, uuid)
	if err != nil {
		return err
	}
	if err := s.requireRow(res); err != nil {
		return err
	}
	s.logger.Info("custody record stored", "uuid", uuid, "hash", rec.Hash)
	return nil
}

// IncrementAttempts bumps and returns the verification attempt count.
func (s *Store) IncrementAttempts(ctx context.Context, uuid string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE signatures SET attempts = attempts + 1, updated_at = ? WHERE uuid = ?`,
		s.now().UTC(), uuid)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = s.db.QueryRowContext(ctx,
		`SELECT attempts FROM signatures WHERE uuid = ?`, uuid).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return attempts, err
}

// ReclaimStale returns signatures stuck in processing longer than
// maxAge back to pending. Covers workers that died mid-verification.
func (s *Store) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		`UPDATE signatures SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		StatusPending, s.now().UTC(), StatusProcessing, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn("reclaimed stale processing signatures", "count", n)
	}
	return int(n), nil
}

func (s *Store) requireTransition(res sql.Result, uuid string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetByUUID(context.Background(), uuid); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *Store) requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignature(row rowScanner) (*Signature, error) {
	var sig Signature
	var startedAt, completedAt, verifiedAt, certIssuedAt sql.NullTime
	err := row.Scan(&sig.ID, &sig.UUID, &sig.PetitionID, &sig.FullName, &sig.Email,
		&sig.City, &sig.State, &sig.CPFHash, &sig.IPHash, &sig.DisplayNamePublicly,
		&sig.PDFPath, &sig.UserAgent, &sig.Status, &sig.RejectionReason, &sig.Attempts,
		&sig.CertificateSubject, &sig.CertificateIssuer, &sig.CertificateSerial,
		&sig.VerifiedCPFMatch, &sig.VerificationHash, &sig.CustodyCertificatePath,
		&sig.CreatedAt, &sig.UpdatedAt, &startedAt, &completedAt, &verifiedAt, &certIssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		sig.ProcessingStartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		sig.ProcessingCompletedAt = &completedAt.Time
	}
	if verifiedAt.Valid {
		sig.VerifiedAt = &verifiedAt.Time
	}
	if certIssuedAt.Valid {
		sig.CertificateIssuedAt = &certIssuedAt.Time
	}
	return &sig, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
