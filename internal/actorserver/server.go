package actorserver

import (
	"context"
	"fmt"

	"botticelli/internal/backend"
	"botticelli/internal/executor"
	"botticelli/internal/logx"
	"botticelli/internal/narrative"
	"botticelli/internal/processor"
	"botticelli/internal/ratelimit"
	"botticelli/internal/schedule"
	"botticelli/internal/storage"
)

var log = logx.New("actorserver")

// Dependencies are the shared, process-wide resources every actor's
// executor is built against. Backends and Limiter are shared across actors
// since they're keyed by (provider, model); Bots is the single secure
// bot-command pipeline every actor's BotCommand inputs dispatch through, so
// permission/rate-limit/approval policy is enforced consistently across the
// whole fleet rather than per actor.
type Dependencies struct {
	Backends *backend.Registry
	Limiter  *ratelimit.Limiter
	Storage  *storage.Store
	Bots     executor.BotCommandCaller
	Schedule schedule.Store
}

// boundActor is one loaded, schedule-ready actor.
type boundActor struct {
	instance ActorInstanceConfig
	resolver *narrative.MultiNarrative
	executor *executor.Executor
}

// Server boots and runs a fleet of actors, each on its own schedule, under
// one process.
type Server struct {
	deps    Dependencies
	config  *Config
	runtime *schedule.Runtime
	actors  []boundActor
	dryRun  bool
}

// NewServer builds a Server. dryRun, when true, makes Load only validate
// and log every actor's configuration (narrative, backend, schedule)
// without registering any task, so Start runs nothing (spec.md
// §4.H's dry-run mode, ported from actor-server.rs's `--dry-run` flag).
func NewServer(deps Dependencies, dryRun bool) *Server {
	return &Server{deps: deps, dryRun: dryRun}
}

// Load reads cfg's actor list, loading each enabled actor's narrative file
// and binding it to a backend, the shared bot-command pipeline, and a
// per-actor content-generation processor. Disabled actors are skipped
// entirely, matching the original binary's behavior.
func (s *Server) Load(ctx context.Context, cfg *Config) error {
	s.config = cfg
	s.runtime = schedule.NewRuntime(s.deps.Schedule, schedule.Config{PollInterval: cfg.CheckInterval})

	for _, instance := range cfg.Actors {
		if !instance.Enabled {
			log.Info("actor %q disabled, skipping", instance.Name)
			continue
		}

		resolver, err := narrative.LoadMultiNarrative(instance.ConfigFile)
		if err != nil {
			return fmt.Errorf("actorserver: load actor %q: %w", instance.Name, err)
		}

		be, err := s.deps.Backends.Resolve(instance.Provider)
		if err != nil {
			return fmt.Errorf("actorserver: resolve backend for actor %q: %w", instance.Name, err)
		}

		processors := processor.NewRegistry()
		if s.deps.Storage != nil {
			processors.Register(processor.NewContentGenerationProcessor(s.deps.Storage, instance.ConfigFile))
		}

		ex := executor.New(be, s.deps.Limiter, s.deps.Storage, s.deps.Bots, processors, resolver)

		s.actors = append(s.actors, boundActor{instance: instance, resolver: resolver, executor: ex})

		sched, err := buildSchedule(instance.Schedule)
		if err != nil {
			return fmt.Errorf("actorserver: actor %q: %w", instance.Name, err)
		}

		if s.dryRun {
			log.Info("actor %q validated (provider=%s, platform=%s, channel=%s, schedule=%s)",
				instance.Name, instance.Provider, instance.Platform, instance.ChannelID, instance.Schedule.Type)
			continue
		}

		task := schedule.Task{
			ID:        instance.Name,
			ActorName: instance.Name,
			Schedule:  sched,
			Breaker: schedule.CircuitBreakerConfig{
				MaxConsecutiveFailures: cfg.CircuitBreaker.MaxConsecutiveFailures,
				AutoPause:              cfg.CircuitBreaker.AutoPause,
				ResetOnSuccess:         cfg.CircuitBreaker.ResetOnSuccess,
			},
			Run: s.runActor(instance, resolver, ex),
		}
		if err := s.runtime.Register(ctx, task); err != nil {
			return fmt.Errorf("actorserver: register actor %q: %w", instance.Name, err)
		}
	}
	return nil
}

// runActor closes over one actor's bound resources and returns the function
// the schedule runtime invokes on every due tick: look up the actor's
// active narrative in the MultiNarrative loaded by Load and execute it. The
// narrative file is not re-read between runs.
func (s *Server) runActor(instance ActorInstanceConfig, resolver *narrative.MultiNarrative, ex *executor.Executor) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := resolver.ActiveNarrative()
		if err != nil {
			return fmt.Errorf("actor %q: %w", instance.Name, err)
		}
		_, err = ex.Execute(ctx, n, executor.RunContext{NarrativeID: instance.Name, Provider: instance.Provider})
		return err
	}
}

// Start launches the schedule runtime. In dry-run mode this is a no-op;
// Load already did everything dry-run mode promises (validate and log).
func (s *Server) Start(ctx context.Context) {
	if s.dryRun {
		log.Info("dry run complete: %d actor(s) validated, nothing executed", len(s.actors))
		return
	}
	log.Info("actor server starting with %d actor(s)", len(s.actors))
	s.runtime.Start(ctx)
}

// Stop drains in-flight actor runs and stops the schedule runtime.
func (s *Server) Stop() {
	if s.dryRun || s.runtime == nil {
		return
	}
	log.Info("actor server stopping")
	s.runtime.Stop()
}
