package domain

import "time"

type SagaStatus string

const (
	SagaCreated          SagaStatus = "CREATED"
	SagaAwaitingApproval SagaStatus = "AWAITING_APPROVAL"
	SagaWithdrawing      SagaStatus = "WITHDRAWING"
	SagaDepositing       SagaStatus = "DEPOSITING"
	SagaCompleted        SagaStatus = "COMPLETED"
	SagaFailed           SagaStatus = "FAILED"
)

func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaFailed
}

// SagaState is the checkpointed progress of one transfer, keyed by
// Request.ReferenceID.
type SagaState struct {
	Request      TransferRequest `json:"request"`
	Status       SagaStatus      `json:"status"`
	Approved     bool            `json:"approved"`
	ApprovedBy   string          `json:"approved_by,omitempty"`
	WithdrawTxID string          `json:"withdraw_tx_id,omitempty"`
	DepositTxID  string          `json:"deposit_tx_id,omitempty"`
	Confirmation string          `json:"confirmation,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (s SagaState) ReferenceID() string { return s.Request.ReferenceID }
