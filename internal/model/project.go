package model

import (
	"slices"
	"time"

	"civicledger/internal/commitment"
)

type Project struct {
	ID                   int64                 `json:"id"`
	Name                 string                `json:"name"`
	Budget               int64                 `json:"budget"`
	Admin                Identity              `json:"admin"`
	SupervisorCommitment commitment.Commitment `json:"supervisor_commitment"`
	Status               ProjectStatus         `json:"status"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

type Tender struct {
	ID                     int64                 `json:"id"`
	ProjectID              int64                 `json:"project_id"`
	ContractorCommitment   commitment.Commitment `json:"contractor_commitment"`
	EncryptedDataRef       string                `json:"encrypted_data_ref"`
	TenderDocRef           string                `json:"tender_doc_ref"`
	QualityReportRef       string                `json:"quality_report_ref"`
	Status                 TenderStatus          `json:"status"`
	RevealedContractor     Identity              `json:"revealed_contractor,omitempty"`
	LastApprovedPercentage int                   `json:"last_approved_percentage"`
	ReleasedAmount         int64                 `json:"released_amount"`
	CreatedAt              time.Time             `json:"created_at"`
	UpdatedAt              time.Time             `json:"updated_at"`
}

type Milestone struct {
	ID                       int64                 `json:"id"`
	TenderID                 int64                 `json:"tender_id"`
	ProjectID                int64                 `json:"project_id"`
	Percentage               int                   `json:"percentage"`
	ProofImagesRef           string                `json:"proof_images_ref"`
	ArchitectureRef          string                `json:"architecture_ref"`
	QualityMetricsCommitment commitment.Commitment `json:"quality_metrics_commitment"`
	GPS                      Coordinates           `json:"gps"`
	CapturedAt               time.Time             `json:"captured_at"`
	Status                   MilestoneStatus       `json:"status"`
	ReleasedAmount           int64                 `json:"released_amount"`
	SubmittedAt              time.Time             `json:"submitted_at"`
	UpdatedAt                time.Time             `json:"updated_at"`
}

var checkpoints = [...]int{20, 40, 60, 80, 100}

// Checkpoints returns the progress percentages at which funds may be released.
func Checkpoints() []int {
	return slices.Clone(checkpoints[:])
}

// FullCompletion is the checkpoint that completes a project.
const FullCompletion = 100

// IsCheckpoint reports whether pct is one of Checkpoints.
func IsCheckpoint(pct int) bool {
	return slices.Contains(checkpoints[:], pct)
}

// Verification is the oracle's attested verdict for a milestone.
type Verification struct {
	Quality  bool `json:"quality_verified"`
	GPS      bool `json:"gps_verified"`
	Progress bool `json:"progress_verified"`
}

// Passed reports whether all three checks passed.
func (v Verification) Passed() bool {
	return v.Quality && v.GPS && v.Progress
}

// Evidence is what the oracle needs to attest a milestone.
type Evidence struct {
	MilestoneID int64       `json:"milestone_id"`
	Submitted   Coordinates `json:"submitted"`
	Site        Coordinates `json:"site"`
	SubmittedAt time.Time   `json:"submitted_at"`
	CapturedAt  time.Time   `json:"captured_at"`
	ProofRef    string      `json:"proof_ref"`
}
