package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountStopped    = errors.New("account is stopped")
	ErrInvalidStatus     = errors.New("status must be ACTIVE or STOPPED")

	// ErrTransient marks a failure that is expected to clear on retry
	// (network, 5xx, busy server).
	ErrTransient       = errors.New("transient failure")
	ErrStepTimeout     = errors.New("step timed out")
	ErrSagaNotFound    = errors.New("transfer not found")
	ErrSagaTerminal    = errors.New("transfer already finished")
	ErrApprovalTimeout = errors.New("approval not received in time")
)

// Error codes carried over the wire so remote callers can rebuild the sentinel.
const (
	CodeValidation        = "VALIDATION"
	CodeInvalidAmount     = "INVALID_AMOUNT"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeAccountNotFound   = "ACCOUNT_NOT_FOUND"
	CodeAccountStopped    = "ACCOUNT_STOPPED"
	CodeInvalidStatus     = "INVALID_STATUS"
	CodeSagaNotFound      = "SAGA_NOT_FOUND"
	CodeSagaTerminal      = "SAGA_TERMINAL"
	CodeStepTimeout       = "STEP_TIMEOUT"
	CodeApprovalTimeout   = "APPROVAL_TIMEOUT"
	CodeTransient         = "TRANSIENT"
	CodeInternal          = "INTERNAL"
)

var codeErrs = []struct {
	code string
	err  error
}{
	{CodeStepTimeout, ErrStepTimeout},
	{CodeApprovalTimeout, ErrApprovalTimeout},
	{CodeInvalidAmount, ErrInvalidAmount},
	{CodeInsufficientFunds, ErrInsufficientFunds},
	{CodeAccountNotFound, ErrAccountNotFound},
	{CodeAccountStopped, ErrAccountStopped},
	{CodeInvalidStatus, ErrInvalidStatus},
	{CodeSagaNotFound, ErrSagaNotFound},
	{CodeSagaTerminal, ErrSagaTerminal},
	{CodeValidation, ErrValidation},
	{CodeTransient, ErrTransient},
}

// CodeFor returns the wire code for err, CodeInternal when unknown.
func CodeFor(err error) string {
	for _, ce := range codeErrs {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// ErrForCode is the inverse of CodeFor. Unknown codes yield nil.
func ErrForCode(code string) error {
	for _, ce := range codeErrs {
		if ce.code == code {
			return ce.err
		}
	}
	return nil
}
