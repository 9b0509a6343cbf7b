package persistence

import (
	"time"
)

// GenerationRecord is the audit row for one generation request.
//
//nolint:govet // struct alignment optimization not critical for this type
type GenerationRecord struct {
	SubmittedAt    time.Time  `json:"submitted_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Prompt         string     `json:"prompt"`
	Providers      []string   `json:"providers"`
	Status         string     `json:"status"`
	LastError      string     `json:"last_error,omitempty"`
	ResultProvider string     `json:"result_provider,omitempty"`
	ResultURL      string     `json:"result_url,omitempty"`
	Attempts       int        `json:"attempts"`
}

// CreditBalance is one row of the credit ledger.
type CreditBalance struct {
	UpdatedAt time.Time `json:"updated_at"`
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
}

// Operation identifies a persistence request type.
type Operation string

// Persistence operations handled by the worker.
const (
	OpUpsertRequest Operation = "upsert_request"
	OpDeductCredit  Operation = "deduct_credit"
)

// Request is one unit of work for the persistence worker. Response is nil
// for fire-and-forget operations.
type Request struct {
	Data      any
	Response  chan<- error
	Operation Operation
}

// DeductCreditRequest is the payload for OpDeductCredit.
type DeductCreditRequest struct {
	UserID string
	Amount int64
}
