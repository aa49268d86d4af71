// Package platform adapts the narrative executor's bot-command surface to
// concrete chat platforms (Discord, Slack) and to the database capability
// itself, which SPEC_FULL.md also exposes as a command namespace. Each
// Platform implements a fixed set of "namespace.verb" commands; Registry
// routes by the platform name the security layer passes through and
// satisfies security.CommandRegistry.
package platform

import (
	"context"
	"fmt"

	"botticelli/internal/logx"
)

var log = logx.New("platform")

// Platform executes one platform's command namespace (e.g. "messages.send",
// "channel.get_stats") against its backing API client.
type Platform interface {
	// Name is the platform identifier a BotCommand's Platform field names
	// (e.g. "discord", "slack", "database").
	Name() string
	// Execute runs command with args and returns a JSON-marshalable result.
	Execute(ctx context.Context, command string, args map[string]any) (any, error)
}

// UnknownPlatformError is returned when Registry.Execute is asked to route
// to a platform name no adapter was registered under.
type UnknownPlatformError struct {
	Platform string
}

func (e *UnknownPlatformError) Error() string {
	return fmt.Sprintf("platform: no adapter registered for platform %q", e.Platform)
}

// UnknownCommandError is returned by a Platform when asked to run a command
// outside its namespace.
type UnknownCommandError struct {
	Platform string
	Command  string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("platform %s: unknown command %q", e.Platform, e.Command)
}

// ArgumentError is returned when a command's args map is missing a required
// key or holds a value of the wrong shape.
type ArgumentError struct {
	Platform string
	Key      string
	Reason   string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("platform %s: argument %q: %s", e.Platform, e.Key, e.Reason)
}

// Registry dispatches a (platform, command, args) triple from the secure
// executor to the adapter registered for that platform. It satisfies
// security.CommandRegistry without importing that package, keeping the
// dependency direction security -> platform rather than the reverse.
type Registry struct {
	platforms map[string]Platform
}

// NewRegistry returns an empty Registry; register adapters with Register.
func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]Platform)}
}

// Register adds p under its own Name(), replacing any adapter previously
// registered for that name.
func (r *Registry) Register(p Platform) {
	r.platforms[p.Name()] = p
}

// Execute routes to the adapter registered for platform.
func (r *Registry) Execute(ctx context.Context, platform, command string, args map[string]any) (any, error) {
	p, ok := r.platforms[platform]
	if !ok {
		return nil, &UnknownPlatformError{Platform: platform}
	}
	log.Debug("dispatching %s.%s", platform, command)
	return p.Execute(ctx, command, args)
}
