package custody

import "time"

// Event names in the chain of custody timeline.
const (
	EventSubmission            = "submission"
	EventProcessingStarted     = "processing_started"
	EventProcessingCompleted   = "processing_completed"
	EventApproval              = "approval"
	EventCertificateGeneration = "certificate_generation"
)

// Event is one entry in the custody timeline.
type Event struct {
	Event       string `json:"event"`
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
	IPHash      string `json:"ip_hash,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Chain is the chronological chain of custody for a signature.
type Chain struct {
	Version string  `json:"version"`
	Events  []Event `json:"events"`
}

// ChainInput carries the timeline facts for one signature. Nil
// timestamps mean the corresponding event has not happened and is
// omitted from the chain.
type ChainInput struct {
	SubmittedAt           *time.Time
	IPHash                string
	UserAgent             string
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	VerificationStatus    string
	VerifiedAt            *time.Time
	CertificateIssuedAt   *time.Time
}

// BuildChain assembles the chain of custody timeline in
// chronological order.
func BuildChain(in ChainInput) *Chain {
	chain := &Chain{Version: Version, Events: []Event{}}

	if in.SubmittedAt != nil {
		chain.Events = append(chain.Events, Event{
			Event:       EventSubmission,
			Timestamp:   formatTime(in.SubmittedAt),
			Description: "Documento assinado recebido",
			IPHash:      in.IPHash,
			UserAgent:   in.UserAgent,
		})
	}
	if in.ProcessingStartedAt != nil {
		chain.Events = append(chain.Events, Event{
			Event:       EventProcessingStarted,
			Timestamp:   formatTime(in.ProcessingStartedAt),
			Description: "Verificação automática iniciada",
		})
	}
	if in.ProcessingCompletedAt != nil {
		chain.Events = append(chain.Events, Event{
			Event:       EventProcessingCompleted,
			Timestamp:   formatTime(in.ProcessingCompletedAt),
			Description: "Verificação automática concluída",
			Status:      in.VerificationStatus,
		})
	}
	if in.VerifiedAt != nil {
		chain.Events = append(chain.Events, Event{
			Event:       EventApproval,
			Timestamp:   formatTime(in.VerifiedAt),
			Description: "Assinatura aprovada e contabilizada",
		})
	}
	if in.CertificateIssuedAt != nil {
		chain.Events = append(chain.Events, Event{
			Event:       EventCertificateGeneration,
			Timestamp:   formatTime(in.CertificateIssuedAt),
			Description: "Certificado de custódia gerado",
		})
	}

	return chain
}
