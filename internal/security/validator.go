package security

import "fmt"

// CommandValidator is the second layer of the secure bot-command execution
// pipeline: platform- or command-specific validation of a command's
// parameters, run after permission checks and before content filtering.
type CommandValidator interface {
	Validate(command string, params map[string]string) error
}

// RequiredFieldsValidator rejects a command whose params are missing a
// field its rule table requires. A command with no entry in Rules passes
// unconditionally: required-field validation is opt-in per command, not a
// default-deny gate (permission checking already owns that).
type RequiredFieldsValidator struct {
	Rules map[string][]string
}

// NewRequiredFieldsValidator wraps a rule table mapping a command name to
// the parameter keys it requires.
func NewRequiredFieldsValidator(rules map[string][]string) *RequiredFieldsValidator {
	return &RequiredFieldsValidator{Rules: rules}
}

// Validate checks every required field for command is present and
// non-empty in params.
func (v *RequiredFieldsValidator) Validate(command string, params map[string]string) error {
	for _, field := range v.Rules[command] {
		value, ok := params[field]
		if !ok || value == "" {
			return &ValidationFailedError{Field: field, Reason: fmt.Sprintf("command %q requires a non-empty %q parameter", command, field)}
		}
	}
	return nil
}

// discordRequiredFields is the rule table for the Discord bot-command
// surface the narrative executor drives: a message send needs somewhere to
// send to and something to send, thread/role operations need the resource
// they act on.
var discordRequiredFields = map[string][]string{
	"discord.messages.send":        {"channel_id", "content"},
	"discord.messages.bulk_delete": {"channel_id"},
	"discord.threads.create":       {"channel_id", "name"},
	"discord.threads.edit":         {"thread_id"},
	"discord.roles.assign":         {"user_id", "role_id"},
	"discord.roles.remove":         {"user_id", "role_id"},
}

// NewDiscordValidator returns a RequiredFieldsValidator pre-populated with
// the Discord command surface's required parameters.
func NewDiscordValidator() *RequiredFieldsValidator {
	return NewRequiredFieldsValidator(discordRequiredFields)
}

// slackRequiredFields mirrors discordRequiredFields for the Slack platform.
var slackRequiredFields = map[string][]string{
	"slack.messages.send":   {"channel_id", "content"},
	"slack.messages.update": {"channel_id", "ts", "content"},
}

// NewSlackValidator returns a RequiredFieldsValidator pre-populated with the
// Slack command surface's required parameters.
func NewSlackValidator() *RequiredFieldsValidator {
	return NewRequiredFieldsValidator(slackRequiredFields)
}
