// Package actorserver boots a fleet of actors from a root TOML
// configuration, binds each to its platform adapter, narrative source, and
// persistence-backed schedule, and runs them under one process with
// graceful shutdown (spec.md §4.H).
package actorserver

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// configDTO is the root TOML decoding shape for an actor-server
// configuration file.
type configDTO struct {
	Server serverSettingsDTO  `toml:"server"`
	Actors []actorInstanceDTO `toml:"actors"`
}

type serverSettingsDTO struct {
	CheckIntervalSeconds uint64               `toml:"check_interval_seconds"`
	CircuitBreaker       circuitBreakerDTO    `toml:"circuit_breaker"`
}

type circuitBreakerDTO struct {
	MaxConsecutiveFailures *int  `toml:"max_consecutive_failures"`
	AutoPause              *bool `toml:"auto_pause"`
	ResetOnSuccess         *bool `toml:"reset_on_success"`
}

type actorInstanceDTO struct {
	Name       string        `toml:"name"`
	ConfigFile string        `toml:"config_file"`
	ChannelID  string        `toml:"channel_id"`
	Platform   string        `toml:"platform"` // "discord" | "slack"; defaults to "discord"
	Provider   string        `toml:"provider"` // backend name; defaults to the registry's default
	Schedule   scheduleDTO   `toml:"schedule"`
	Enabled    *bool         `toml:"enabled"`
}

// scheduleDTO decodes a TOML `[actors.schedule]` table tagged by `type`, the
// same discriminated-union shape server_config.rs's ScheduleConfig used.
type scheduleDTO struct {
	Type       string `toml:"type"`
	Seconds    uint64 `toml:"seconds"`
	Expression string `toml:"expression"`
	At         string `toml:"at"`
}

// Config is the resolved, default-applied actor-server configuration.
type Config struct {
	CheckInterval  time.Duration
	CircuitBreaker CircuitBreakerDefaults
	Actors         []ActorInstanceConfig
}

// CircuitBreakerDefaults are the server-wide circuit breaker settings every
// actor inherits unless overridden at the actor level (actor-level override
// is not named by the original config, so every actor shares these).
type CircuitBreakerDefaults struct {
	MaxConsecutiveFailures int
	AutoPause              bool
	ResetOnSuccess         bool
}

// ActorInstanceConfig is one entry in the actors list, resolved to concrete
// Go types.
type ActorInstanceConfig struct {
	Name       string
	ConfigFile string
	ChannelID  string
	Platform   string
	Provider   string
	Schedule   ScheduleSpec
	Enabled    bool
}

// ScheduleSpec names a schedule variant and its parameters, decoupled from
// any one concrete internal/schedule.Schedule implementation so config
// loading doesn't need to import that package's construction details twice.
type ScheduleSpec struct {
	Type       string // "interval" | "cron" | "once" | "immediate"
	Seconds    uint64
	Expression string
	At         string
}

const defaultCheckIntervalSeconds = 60
const defaultMaxConsecutiveFailures = 5

// LoadConfig reads and decodes an actor-server configuration file from disk.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("actorserver: read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes an actor-server configuration document already in
// memory.
func ParseConfig(data []byte) (*Config, error) {
	var dto configDTO
	if err := toml.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("actorserver: parse config: %w", err)
	}

	checkInterval := dto.Server.CheckIntervalSeconds
	if checkInterval == 0 {
		checkInterval = defaultCheckIntervalSeconds
	}

	cb := CircuitBreakerDefaults{
		MaxConsecutiveFailures: defaultMaxConsecutiveFailures,
		AutoPause:              true,
		ResetOnSuccess:         true,
	}
	if dto.Server.CircuitBreaker.MaxConsecutiveFailures != nil {
		cb.MaxConsecutiveFailures = *dto.Server.CircuitBreaker.MaxConsecutiveFailures
	}
	if dto.Server.CircuitBreaker.AutoPause != nil {
		cb.AutoPause = *dto.Server.CircuitBreaker.AutoPause
	}
	if dto.Server.CircuitBreaker.ResetOnSuccess != nil {
		cb.ResetOnSuccess = *dto.Server.CircuitBreaker.ResetOnSuccess
	}

	actors := make([]ActorInstanceConfig, 0, len(dto.Actors))
	for _, a := range dto.Actors {
		enabled := true
		if a.Enabled != nil {
			enabled = *a.Enabled
		}
		platform := a.Platform
		if platform == "" {
			platform = "discord"
		}
		scheduleType := a.Schedule.Type
		if scheduleType == "" {
			scheduleType = "interval"
		}
		actors = append(actors, ActorInstanceConfig{
			Name:       a.Name,
			ConfigFile: a.ConfigFile,
			ChannelID:  a.ChannelID,
			Platform:   platform,
			Provider:   a.Provider,
			Enabled:    enabled,
			Schedule: ScheduleSpec{
				Type:       scheduleType,
				Seconds:    a.Schedule.Seconds,
				Expression: a.Schedule.Expression,
				At:         a.Schedule.At,
			},
		})
	}
	if len(actors) == 0 {
		return nil, fmt.Errorf("actorserver: configuration declares no actors")
	}
	for _, a := range actors {
		if a.Name == "" {
			return nil, fmt.Errorf("actorserver: actor entry missing required %q field", "name")
		}
		if a.ConfigFile == "" {
			return nil, fmt.Errorf("actorserver: actor %q missing required %q field", a.Name, "config_file")
		}
	}

	return &Config{
		CheckInterval:  time.Duration(checkInterval) * time.Second,
		CircuitBreaker: cb,
		Actors:         actors,
	}, nil
}
