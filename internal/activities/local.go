// Package activities implements the withdraw and deposit steps of a transfer,
// either against an in-process registry or against the ledger service over
// HTTP.
package activities

import (
	"context"

	"money-transfer/internal/registry"
)

// Local runs steps against ledgers in this process. STOPPED accounts are
// rejected with domain.ErrAccountStopped.
type Local struct {
	reg *registry.Registry
}

func NewLocal(reg *registry.Registry) *Local { return &Local{reg: reg} }

func (a *Local) Withdraw(ctx context.Context, account string, amount int64, idempotencyKey string) (string, error) {
	l, err := a.reg.Open(ctx, account)
	if err != nil {
		return "", err
	}
	return l.Withdraw(ctx, amount, idempotencyKey)
}

func (a *Local) Deposit(ctx context.Context, account string, amount int64, idempotencyKey string) (string, error) {
	l, err := a.reg.Open(ctx, account)
	if err != nil {
		return "", err
	}
	return l.Deposit(ctx, amount, idempotencyKey)
}
