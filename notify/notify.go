// Package notify delivers verification outcome notifications. The
// platform sends no email itself; implementations hand the outcome to
// whatever channel is wired in.
package notify

import (
	"context"
	"log/slog"
)

// Outcome identifies what happened to a signature.
type Outcome string

const (
	OutcomeApproved     Outcome = "approved"
	OutcomeRejected     Outcome = "rejected"
	OutcomeCNPJRejected Outcome = "cnpj_rejected"
	OutcomeManualReview Outcome = "manual_review"
)

// Notification carries the outcome of one verification.
type Notification struct {
	SignatureUUID string
	PetitionID    string
	Email         string
	Outcome       Outcome
	Reason        string
}

// Notifier receives verification outcomes. Implementations must not
// block for long; the worker calls them on the verification path.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier records outcomes to the structured log. It is the
// default sink when no delivery channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, notification Notification) error {
	n.logger.Info("verification outcome",
		"uuid", notification.SignatureUUID,
		"petition", notification.PetitionID,
		"outcome", string(notification.Outcome),
		"reason", notification.Reason)
	return nil
}

// NopNotifier discards notifications. Used in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }
