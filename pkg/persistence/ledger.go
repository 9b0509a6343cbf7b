package persistence

import (
	"context"
)

// CreditLedger gates admissions on the credits table. It satisfies the
// admission controller's CreditChecker interface.
type CreditLedger struct {
	ops *DatabaseOperations
}

// NewCreditLedger creates a ledger over the given operations handler.
func NewCreditLedger(ops *DatabaseOperations) *CreditLedger {
	return &CreditLedger{ops: ops}
}

// CheckCredit reports whether the user has any credit left.
func (l *CreditLedger) CheckCredit(_ context.Context, userID string) (bool, error) {
	balance, err := l.ops.GetCreditBalance(userID)
	if err != nil {
		return false, err
	}
	return balance > 0, nil
}
