package security

import (
	"fmt"
	"sync"
	"time"
)

// ApprovalDecision is the current state of a PendingAction.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalDenied   ApprovalDecision = "denied"
)

// pendingActionTTL is how long an action waits for a decision before it is
// treated as expired and can no longer be approved.
const pendingActionTTL = 24 * time.Hour

// PendingAction is a command a narrative attempted to run that required
// sign-off before executing.
type PendingAction struct {
	ID             string
	NarrativeID    string
	Command        string
	Params         map[string]string
	Reason         string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Decision       ApprovalDecision
	DecisionReason string
	DecidedBy      string
}

// IsExpired reports whether the action's 24-hour approval window has
// elapsed.
func (a *PendingAction) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

func newPendingAction(id, narrativeID, command string, params map[string]string, reason string) *PendingAction {
	now := time.Now()
	return &PendingAction{
		ID:          id,
		NarrativeID: narrativeID,
		Command:     command,
		Params:      params,
		Reason:      reason,
		CreatedAt:   now,
		ExpiresAt:   now.Add(pendingActionTTL),
		Decision:    ApprovalPending,
	}
}

// ApprovalWorkflow tracks which commands require human sign-off and the
// pending actions currently awaiting one. It is the fifth and final layer of
// the secure bot-command execution pipeline.
type ApprovalWorkflow struct {
	mu               sync.Mutex
	pending          map[string]*PendingAction
	requiresApproval map[string]bool
	idSeq            uint64
}

// NewApprovalWorkflow returns an ApprovalWorkflow with no commands
// configured as requiring approval.
func NewApprovalWorkflow() *ApprovalWorkflow {
	return &ApprovalWorkflow{
		pending:          make(map[string]*PendingAction),
		requiresApproval: make(map[string]bool),
	}
}

// SetRequiresApproval configures whether command must go through the
// approval workflow before it can execute.
func (w *ApprovalWorkflow) SetRequiresApproval(command string, required bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requiresApproval[command] = required
}

// RequiresApproval reports whether command is configured as requiring
// approval; commands not explicitly configured do not require it.
func (w *ApprovalWorkflow) RequiresApproval(command string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requiresApproval[command]
}

// CreatePendingAction records a new action awaiting approval and returns its
// ID, which the caller surfaces to whoever can approve or deny it.
func (w *ApprovalWorkflow) CreatePendingAction(narrativeID, command string, params map[string]string, reason string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.idSeq++
	id := fmt.Sprintf("%s-%s-%d", narrativeID, command, w.idSeq)
	w.pending[id] = newPendingAction(id, narrativeID, command, params, reason)
	return id
}

// GetPendingAction returns the action with the given id, if any.
func (w *ApprovalWorkflow) GetPendingAction(id string) (*PendingAction, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.pending[id]
	return a, ok
}

// ListPendingActions returns every still-pending action for a narrative.
func (w *ApprovalWorkflow) ListPendingActions(narrativeID string) []*PendingAction {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*PendingAction
	for _, a := range w.pending {
		if a.NarrativeID == narrativeID && a.Decision == ApprovalPending {
			out = append(out, a)
		}
	}
	return out
}

// ApproveAction records an approval decision for a still-valid action.
func (w *ApprovalWorkflow) ApproveAction(actionID, approvedBy, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.pending[actionID]
	if !ok {
		return &ConfigurationError{Message: fmt.Sprintf("action %q not found", actionID)}
	}
	if a.IsExpired() {
		return &ApprovalDeniedError{ActionID: actionID, Reason: "action has expired"}
	}
	a.Decision = ApprovalApproved
	a.DecidedBy = approvedBy
	a.DecisionReason = reason
	return nil
}

// DenyAction records a denial decision for an action.
func (w *ApprovalWorkflow) DenyAction(actionID, deniedBy, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.pending[actionID]
	if !ok {
		return &ConfigurationError{Message: fmt.Sprintf("action %q not found", actionID)}
	}
	a.Decision = ApprovalDenied
	a.DecidedBy = deniedBy
	a.DecisionReason = reason
	return nil
}

// CheckApproval reports whether actionID is approved and ready to execute,
// returning ApprovalRequiredError while still pending and ApprovalDeniedError
// once denied or expired.
func (w *ApprovalWorkflow) CheckApproval(actionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.pending[actionID]
	if !ok {
		return &ConfigurationError{Message: fmt.Sprintf("action %q not found", actionID)}
	}
	if a.IsExpired() {
		return &ApprovalDeniedError{ActionID: actionID, Reason: "action has expired"}
	}
	switch a.Decision {
	case ApprovalApproved:
		return nil
	case ApprovalDenied:
		reason := a.DecisionReason
		if reason == "" {
			reason = "action denied"
		}
		return &ApprovalDeniedError{ActionID: actionID, Reason: reason}
	default:
		return &ApprovalRequiredError{Operation: a.Command, Reason: "action is still pending approval", ActionID: actionID}
	}
}

// CleanupExpired removes every expired pending action and reports how many
// were removed.
func (w *ApprovalWorkflow) CleanupExpired() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for id, a := range w.pending {
		if a.IsExpired() {
			delete(w.pending, id)
			removed++
		}
	}
	return removed
}
