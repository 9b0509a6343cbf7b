package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientCredit is returned when a deduction would take a balance
// below zero.
var ErrInsufficientCredit = errors.New("insufficient credit")

// DatabaseOperations bundles all SQL against one connection.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates an operations handler for the given connection.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// UpsertRequest writes or updates the audit row for a generation request.
func (ops *DatabaseOperations) UpsertRequest(rec *GenerationRecord) error {
	providers, err := json.Marshal(rec.Providers)
	if err != nil {
		return fmt.Errorf("failed to marshal providers: %w", err)
	}

	_, err = ops.db.Exec(`
		INSERT INTO generation_requests
			(id, user_id, prompt, providers, status, attempts, last_error,
			 result_provider, result_url, submitted_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			result_provider = excluded.result_provider,
			result_url = excluded.result_url,
			finished_at = excluded.finished_at`,
		rec.ID, rec.UserID, rec.Prompt, string(providers), rec.Status,
		rec.Attempts, nullable(rec.LastError), nullable(rec.ResultProvider),
		nullable(rec.ResultURL), rec.SubmittedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert generation request %s: %w", rec.ID, err)
	}
	return nil
}

// GetRequestByID returns one audit row, or nil when absent.
func (ops *DatabaseOperations) GetRequestByID(id string) (*GenerationRecord, error) {
	row := ops.db.QueryRow(`
		SELECT id, user_id, prompt, providers, status, attempts,
		       COALESCE(last_error, ''), COALESCE(result_provider, ''),
		       COALESCE(result_url, ''), submitted_at, finished_at
		FROM generation_requests WHERE id = ?`, id)

	rec, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get generation request %s: %w", id, err)
	}
	return rec, nil
}

// GetRequestsByUser returns the audit rows for one user, newest first.
func (ops *DatabaseOperations) GetRequestsByUser(userID string, limit int) ([]*GenerationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := ops.db.Query(`
		SELECT id, user_id, prompt, providers, status, attempts,
		       COALESCE(last_error, ''), COALESCE(result_provider, ''),
		       COALESCE(result_url, ''), submitted_at, finished_at
		FROM generation_requests
		WHERE user_id = ?
		ORDER BY submitted_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests for user %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var records []*GenerationRecord
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation request: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return records, nil
}

// GetCreditBalance returns a user's balance; absent users have zero credit.
func (ops *DatabaseOperations) GetCreditBalance(userID string) (int64, error) {
	var balance int64
	err := ops.db.QueryRow("SELECT balance FROM credits WHERE user_id = ?", userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get credit balance for %s: %w", userID, err)
	}
	return balance, nil
}

// SetCreditBalance writes a user's balance outright (admin/top-up path).
func (ops *DatabaseOperations) SetCreditBalance(userID string, balance int64) error {
	_, err := ops.db.Exec(`
		INSERT INTO credits (user_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at`,
		userID, balance, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set credit balance for %s: %w", userID, err)
	}
	return nil
}

// DeductCredit atomically subtracts from a balance, refusing to go negative.
func (ops *DatabaseOperations) DeductCredit(userID string, amount int64) error {
	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin credit deduction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRow("SELECT balance FROM credits WHERE user_id = ?", userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("deduct for %s: %w", userID, ErrInsufficientCredit)
		}
		return fmt.Errorf("failed to read balance for %s: %w", userID, err)
	}
	if balance < amount {
		return fmt.Errorf("deduct %d from %d for %s: %w", amount, balance, userID, ErrInsufficientCredit)
	}

	_, err = tx.Exec("UPDATE credits SET balance = balance - ?, updated_at = ? WHERE user_id = ?",
		amount, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to deduct credit for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credit deduction: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*GenerationRecord, error) {
	var rec GenerationRecord
	var providers string
	if err := s.Scan(
		&rec.ID, &rec.UserID, &rec.Prompt, &providers, &rec.Status,
		&rec.Attempts, &rec.LastError, &rec.ResultProvider, &rec.ResultURL,
		&rec.SubmittedAt, &rec.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(providers), &rec.Providers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal providers: %w", err)
	}
	return &rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
