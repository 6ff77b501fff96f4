// Package command accepts ledger commands from the message bus, authenticates the
// caller, applies each command at most once and publishes its result.
package command

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"civicledger/internal/commitment"
	"civicledger/internal/model"
)

// Type names a ledger command.
type Type string

const (
	TypeCreateProject   Type = "create_project"
	TypeSubmitTender    Type = "submit_tender"
	TypeApproveTender   Type = "approve_tender"
	TypeSubmitMilestone Type = "submit_milestone"
	TypeVerifyMilestone Type = "verify_milestone"
	TypeAttestMilestone Type = "attest_milestone"
)

const (
	// RoutingKey is what commands are published with.
	RoutingKey = "ledger.command"
	// ResultRoutingKey is what results are published with.
	ResultRoutingKey = "ledger.command.result"
)

// Envelope is one command on the wire. Token is a bearer token naming the caller; it is
// ignored for submit_tender, which is anonymous.
type Envelope struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type Status string

const (
	StatusOK       Status = "ok"
	StatusRejected Status = "rejected"
)

// Result reports the outcome of a command back to its sender.
type Result struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	Status    Status `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

type CreateProjectPayload struct {
	Name                 string                `json:"name"`
	Budget               int64                 `json:"budget"`
	SupervisorCommitment commitment.Commitment `json:"supervisor_commitment"`
}

type SubmitTenderPayload struct {
	ProjectID        int64                 `json:"project_id"`
	BidCommitment    commitment.Commitment `json:"bid_commitment"`
	EncryptedDataRef string                `json:"encrypted_data_ref"`
	TenderDocRef     string                `json:"tender_doc_ref"`
	QualityReportRef string                `json:"quality_report_ref"`
}

type ApproveTenderPayload struct {
	TenderID   int64    `json:"tender_id"`
	Contractor string   `json:"contractor"`
	Nonce      HexBytes `json:"nonce"`
}

type SubmitMilestonePayload struct {
	TenderID                 int64                 `json:"tender_id"`
	Percentage               int                   `json:"percentage"`
	ProofImagesRef           string                `json:"proof_images_ref"`
	GPS                      model.Coordinates     `json:"gps"`
	CapturedAt               time.Time             `json:"captured_at"`
	ArchitectureRef          string                `json:"architecture_ref"`
	QualityMetricsCommitment commitment.Commitment `json:"quality_metrics_commitment"`
}

type VerifyMilestonePayload struct {
	MilestoneID      int64 `json:"milestone_id"`
	QualityVerified  bool  `json:"quality_verified"`
	GPSVerified      bool  `json:"gps_verified"`
	ProgressVerified bool  `json:"progress_verified"`
}

type AttestMilestonePayload struct {
	MilestoneID int64             `json:"milestone_id"`
	Site        model.Coordinates `json:"site"`
}

// HexBytes is a byte string encoded as hex, with or without 0x.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte("0x" + hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimPrefix(string(text), "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	*h = b
	return nil
}
