// Package security implements the Secure Bot-Command Executor: a five-layer
// pipeline (permission, validation, content filter, rate limit, approval)
// that every BotCommand input the narrative executor resolves passes
// through before a platform adapter ever sees it.
package security

import (
	"context"
	"fmt"

	"botticelli/internal/executor"
	"botticelli/internal/logx"
	"botticelli/internal/metrics"
	"botticelli/internal/telemetry"
)

var log = logx.New("security")
var tracer = telemetry.NewTracer("security")

// approvalActionIDKey is the reserved argument key a caller sets to supply
// the id of a previously created PendingAction it wants re-checked, instead
// of creating a new one.
const approvalActionIDKey = "_approval_action_id"

// approvalReasonKey is the reserved argument key carrying the AI-supplied
// justification recorded on a newly created PendingAction.
const approvalReasonKey = "_approval_reason"

// CommandRegistry executes a bot command once it has cleared every security
// layer. Platform adapters (Discord, Slack, the database platform) satisfy
// this.
type CommandRegistry interface {
	Execute(ctx context.Context, platform, command string, args map[string]any) (any, error)
}

// SecureExecutor wraps a CommandRegistry with the five-layer security
// pipeline and satisfies executor.BotCommandCaller.
type SecureExecutor struct {
	registry   CommandRegistry
	permission *PermissionChecker
	validator  CommandValidator
	filter     *ContentFilter
	limiter    *RateLimiter
	approval   *ApprovalWorkflow
	cache      *CommandCache

	idempotentCommands map[string]bool
}

// NewSecureExecutor assembles the pipeline. cache may be nil to disable
// idempotent-read caching entirely.
func NewSecureExecutor(registry CommandRegistry, permission *PermissionChecker, validator CommandValidator, filter *ContentFilter, limiter *RateLimiter, approval *ApprovalWorkflow, cache *CommandCache) *SecureExecutor {
	return &SecureExecutor{
		registry:           registry,
		permission:         permission,
		validator:          validator,
		filter:             filter,
		limiter:            limiter,
		approval:           approval,
		cache:              cache,
		idempotentCommands: make(map[string]bool),
	}
}

// MarkIdempotent declares that "platform.command" is a read-only operation
// eligible for idempotent-read caching.
func (s *SecureExecutor) MarkIdempotent(platform, command string) {
	s.idempotentCommands[platform+"."+command] = true
}

// ExecuteSecure runs command through the five-layer pipeline and, if it
// passes, executes it against the underlying registry. It implements
// executor.BotCommandCaller.
func (s *SecureExecutor) ExecuteSecure(ctx context.Context, narrativeID, platform, command string, args map[string]any) (executor.BotCommandResult, error) {
	fullCommand := platform + "." + command
	stringArgs := stringifyArgs(args)

	if err := s.checkSecurity(narrativeID, fullCommand, stringArgs); err != nil {
		var approvalErr *ApprovalRequiredError
		if asApprovalRequired(err, &approvalErr) {
			metrics.SecurityCommandsTotal.WithLabelValues(platform, command, "approval_required").Inc()
			log.Warn("command %q awaiting approval (action %s)", fullCommand, approvalErr.ActionID)
			return executor.BotCommandResult{ApprovalRequired: true, ApprovalID: approvalErr.ActionID}, nil
		}
		metrics.SecurityCommandsTotal.WithLabelValues(platform, command, "denied").Inc()
		metrics.SecurityDeniedTotal.WithLabelValues(platform, command, denialReason(err)).Inc()
		return executor.BotCommandResult{}, err
	}

	if s.cache != nil && s.idempotentCommands[fullCommand] {
		if cached, ok := s.cache.Get(platform, command, args); ok {
			metrics.SecurityCommandsTotal.WithLabelValues(platform, command, "success").Inc()
			return executor.BotCommandResult{Success: true, JSON: cached}, nil
		}
	}

	spanCtx, span := tracer.PlatformIO(ctx, platform, command)
	result, err := s.registry.Execute(spanCtx, platform, command, args)
	tracer.RecordError(span, err)
	span.End()
	if err != nil {
		metrics.SecurityCommandsTotal.WithLabelValues(platform, command, "error").Inc()
		return executor.BotCommandResult{}, fmt.Errorf("security: execute %s: %w", fullCommand, err)
	}

	if s.cache != nil && s.idempotentCommands[fullCommand] {
		s.cache.Insert(platform, command, args, result, 0)
	}

	metrics.SecurityCommandsTotal.WithLabelValues(platform, command, "success").Inc()
	return executor.BotCommandResult{Success: true, JSON: result}, nil
}

// denialReason classifies a checkSecurity error into a coarse metric label
// without leaking the full error text (which may embed argument values)
// into a label's cardinality.
func denialReason(err error) string {
	switch err.(type) {
	case *PermissionDeniedError:
		return "permission"
	case *ResourceAccessDeniedError:
		return "resource_access"
	case *ValidationFailedError:
		return "validation"
	case *ContentViolationError:
		return "content_filter"
	case *RateLimitExceededError:
		return "rate_limit"
	default:
		return "other"
	}
}

// checkSecurity runs the five layers in order, short-circuiting on the
// first failure. Approval is checked last, mirroring the original pipeline:
// a command already carrying a just-approved action id is let through
// without creating a new pending action.
func (s *SecureExecutor) checkSecurity(narrativeID, fullCommand string, params map[string]string) error {
	if err := s.permission.CheckCommand(fullCommand); err != nil {
		return err
	}
	if channelID, ok := params["channel_id"]; ok {
		if err := s.permission.CheckResource("channel", channelID); err != nil {
			return err
		}
	}
	if userID, ok := params["user_id"]; ok {
		if err := s.permission.CheckUserProtected(userID); err != nil {
			return err
		}
	}
	if roleID, ok := params["role_id"]; ok {
		if err := s.permission.CheckRoleProtected(roleID); err != nil {
			return err
		}
	}

	if s.validator != nil {
		if err := s.validator.Validate(fullCommand, params); err != nil {
			return err
		}
	}

	if content, ok := params["content"]; ok && s.filter != nil {
		if err := s.filter.Filter(content); err != nil {
			return err
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Check(fullCommand); err != nil {
			return err
		}
	}

	if s.approval != nil && s.approval.RequiresApproval(fullCommand) {
		if actionID, ok := params[approvalActionIDKey]; ok {
			if err := s.approval.CheckApproval(actionID); err != nil {
				return err
			}
			return nil
		}
		actionID := s.approval.CreatePendingAction(narrativeID, fullCommand, params, params[approvalReasonKey])
		return &ApprovalRequiredError{Operation: fullCommand, Reason: "action is pending approval", ActionID: actionID}
	}

	return nil
}

// asApprovalRequired is a small errors.As wrapper kept local to avoid an
// "errors" import purely for one call site.
func asApprovalRequired(err error, target **ApprovalRequiredError) bool {
	if e, ok := err.(*ApprovalRequiredError); ok {
		*target = e
		return true
	}
	return false
}

// stringifyArgs converts JSON-ish argument values to their string form for
// the security pipeline, which validates and filters on plain strings
// regardless of a command's underlying argument types.
func stringifyArgs(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = "null"
		case bool:
			out[k] = fmt.Sprintf("%t", val)
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}
