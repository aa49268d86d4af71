package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// pendingActionTTL mirrors the 24-hour default spec.md §4.I names for a
// PendingAction's expiry.
const pendingActionTTL = 24 * time.Hour

// PendingAction is the durable record of a gated side effect awaiting human
// approval. This is the persisted counterpart to internal/security's
// in-process ApprovalWorkflow: the executor's secure bot-command pipeline
// checks and creates approvals through the fast in-memory workflow during
// one call chain, while this table is what an operator-facing CLI or
// dashboard would read and write across process restarts.
type PendingAction struct {
	ID             string
	NarrativeID    string
	Command        string
	Args           map[string]string
	Reason         string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Decision       string // "pending" | "approved" | "denied"
	Decider        string
	DecisionReason string
}

// CreatePendingAction inserts a new pending action and returns its id.
func (s *Store) CreatePendingAction(ctx context.Context, narrativeID, command string, args map[string]string, reason string) (string, error) {
	id := uuid.NewString()
	encodedArgs, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("persistence: marshal pending action args: %w", err)
	}
	now := time.Now().UTC()
	expires := now.Add(pendingActionTTL)

	err = s.pool.run(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO pending_actions (id, narrative_id, command, args, reason, created_at, expires_at, decision)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')`,
			id, narrativeID, command, string(encodedArgs), reason, now.Format(timeLayout), expires.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("persistence: create pending action: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetPendingAction returns the row for id, or a *PendingActionNotFoundError.
func (s *Store) GetPendingAction(ctx context.Context, id string) (*PendingAction, error) {
	var action *PendingAction
	err := s.pool.run(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, narrative_id, command, args, reason, created_at, expires_at, decision, decider, decision_reason
			 FROM pending_actions WHERE id = ?`, id)
		a, scanErr := scanPendingAction(row)
		if scanErr != nil {
			return scanErr
		}
		action = a
		return nil
	})
	if err != nil {
		if isNoRows(err) {
			return nil, &PendingActionNotFoundError{ID: id}
		}
		return nil, err
	}
	return action, nil
}

// ListPendingActions returns every row with decision = 'pending' and not
// yet expired, ordered by creation time.
func (s *Store) ListPendingActions(ctx context.Context) ([]PendingAction, error) {
	var actions []PendingAction
	err := s.pool.run(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, narrative_id, command, args, reason, created_at, expires_at, decision, decider, decision_reason
			 FROM pending_actions WHERE decision = 'pending' AND expires_at > ? ORDER BY created_at`,
			time.Now().UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("persistence: list pending actions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanPendingActionRows(rows)
			if err != nil {
				return err
			}
			actions = append(actions, *a)
		}
		return rows.Err()
	})
	return actions, err
}

// ApproveAction records an approval decision, if the action is still
// pending and unexpired.
func (s *Store) ApproveAction(ctx context.Context, id, decider, reason string) error {
	return s.decideAction(ctx, id, "approved", decider, reason)
}

// DenyAction records a denial decision.
func (s *Store) DenyAction(ctx context.Context, id, decider, reason string) error {
	return s.decideAction(ctx, id, "denied", decider, reason)
}

func (s *Store) decideAction(ctx context.Context, id, decision, decider, reason string) error {
	return s.pool.run(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE pending_actions SET decision = ?, decider = ?, decision_reason = ? WHERE id = ? AND decision = 'pending' AND expires_at > ?`,
			decision, decider, reason, id, time.Now().UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("persistence: %s pending action %s: %w", decision, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("persistence: rows affected for pending action %s: %w", id, err)
		}
		if n == 0 {
			return &PendingActionNotFoundError{ID: id}
		}
		return nil
	})
}

// CleanupExpired deletes every pending_actions row past its expiry and
// reports how many were removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	var removed int
	err := s.pool.run(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE expires_at <= ?`, time.Now().UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("persistence: cleanup expired pending actions: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("persistence: cleanup expired rows affected: %w", err)
		}
		removed = int(n)
		return nil
	})
	return removed, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingAction(row rowScanner) (*PendingAction, error) {
	return scanPendingActionRows(row)
}

func scanPendingActionRows(row rowScanner) (*PendingAction, error) {
	var a PendingAction
	var argsJSON, createdAt, expiresAt string
	if err := row.Scan(&a.ID, &a.NarrativeID, &a.Command, &argsJSON, &a.Reason, &createdAt, &expiresAt, &a.Decision, &a.Decider, &a.DecisionReason); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &a.Args); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal pending action args: %w", err)
	}
	created, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse created_at: %w", err)
	}
	a.CreatedAt = created
	expires, err := time.Parse(timeLayout, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse expires_at: %w", err)
	}
	a.ExpiresAt = expires
	return &a, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
