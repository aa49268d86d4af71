package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"

	"botticelli/internal/actorserver"
	"botticelli/internal/persistence"
	"botticelli/internal/platform"
	"botticelli/internal/storage"
)

// buildActorServerCmd implements `actor-server --config <file> [--dry-run]`
// (spec.md §6): boot a fleet of scheduled actors from TOML and run them
// under one process until terminated.
func buildActorServerCmd() *cobra.Command {
	var configPath string
	var dryRun bool
	var dbPath string

	cmd := &cobra.Command{
		Use:   "actor-server",
		Short: "Run a fleet of scheduled actors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				return fmt.Errorf("botticelli: --config is required")
			}

			cfg, err := actorserver.LoadConfig(configPath)
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openDatabase(dbPath)
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}
			defer func() { _ = db.Close() }()

			store, err := storage.New(db, nil)
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}

			persist, err := persistence.New(db)
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}
			defer persist.Close()

			registry, err := buildBackendRegistry(ctx)
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}
			limiter := buildLimiter(registry, knownProviders)

			platforms := buildPlatforms(store)
			registerChatPlatforms(platforms)
			secureExecutor := buildSecureExecutor(platforms)

			deps := actorserver.Dependencies{
				Backends: registry,
				Limiter:  limiter,
				Storage:  store,
				Bots:     secureExecutor,
				Schedule: persist,
			}
			server := actorserver.NewServer(deps, dryRun)
			if err := server.Load(ctx, cfg); err != nil {
				return &exitStatusError{code: 1, err: err}
			}

			server.Start(ctx)
			if dryRun {
				return nil
			}

			<-ctx.Done()
			server.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the actor-server TOML configuration (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate every actor's configuration without scheduling or running anything")
	cmd.Flags().StringVar(&dbPath, "db", defaultDatabasePath, "SQLite database path for task state and dynamic content storage")
	return cmd
}

// registerChatPlatforms wires Discord/Slack adapters when their credentials
// are present in the environment. Either or both may be absent; narratives
// referencing an unregistered platform fail the specific bot-command call
// with a typed UnknownPlatformError rather than aborting the server.
func registerChatPlatforms(registry *platform.Registry) {
	if token := os.Getenv("DISCORD_BOT_TOKEN"); token != "" {
		if session, err := discordgo.New("Bot " + token); err == nil {
			registry.Register(platform.NewDiscordPlatform(session))
		}
	}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		registry.Register(platform.NewSlackPlatform(slack.New(token)))
	}
}
