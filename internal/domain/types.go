package domain

import "time"

type AccountStatus string

const (
	StatusActive  AccountStatus = "ACTIVE"
	StatusStopped AccountStatus = "STOPPED"
)

func ParseAccountStatus(s string) (AccountStatus, error) {
	switch AccountStatus(s) {
	case StatusActive, StatusStopped:
		return AccountStatus(s), nil
	}
	return "", ErrInvalidStatus
}

type Account struct {
	Name    string        `json:"name"`
	Balance int64         `json:"balance"`
	Status  AccountStatus `json:"status"`
	Created time.Time     `json:"created"`
}

type Operation string

const (
	OpDeposit  Operation = "deposit"
	OpWithdraw Operation = "withdraw"
)

// Transaction is the append-only audit record of one applied mutation.
type Transaction struct {
	ID             string    `json:"tx_id"`
	Operation      Operation `json:"operation"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	Account        string    `json:"account"`
	Timestamp      time.Time `json:"timestamp"`
}

type TransferRequest struct {
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
}

// ---- HTTP wire shapes ----

type CreateAccountRequest struct {
	Name           string `json:"name"`
	InitialBalance int64  `json:"initial_balance"`
}

type MutationRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type MutationResponse struct {
	TransactionID string `json:"transaction_id"`
}

type BalanceResponse struct {
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	Name   string        `json:"name"`
	Status AccountStatus `json:"status"`
}

type ApproveRequest struct {
	Manager string `json:"manager"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
