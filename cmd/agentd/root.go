package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/agentd/internal/config"
	"github.com/danmuck/agentd/internal/modelsdb"
	"github.com/danmuck/agentd/internal/shm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	listen     string
	channel    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "agentd [workload.exe] [models.json]",
		Short: "Run the agent alongside an optional target workload",
		Long: `Run the agent: create the shared-memory channel, optionally launch the
target workload, serve the local control endpoint and process channel records
until the workload exits.

Positional arguments are classified by extension. A token ending in .exe is the
target executable and a token ending in .json is the models database connection
file. The last match of each kind wins and anything else is ignored.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to agentd TOML config")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "override service.addr (loopback only)")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "override channel.name")
	cmd.AddCommand(newConfigCmd())
	return cmd
}

// resolveConfig loads the config file and applies flag overrides.
func resolveConfig(opts *rootOptions) (config.AgentConfig, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.AgentConfig{}, err
	}
	if v := strings.TrimSpace(opts.listen); v != "" {
		cfg.Service.Addr = v
	}
	if v := strings.TrimSpace(opts.channel); v != "" {
		cfg.Channel.Name = v
	}
	if err := config.Validate(cfg); err != nil {
		return config.AgentConfig{}, err
	}
	return cfg, nil
}

func runAgent(ctx context.Context, opts *rootOptions, tokens []string) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	args := config.ParseArgs(tokens)

	details, err := modelsdb.LoadConnectionDetails(args.ModelsDatabaseConfigPath)
	if err != nil {
		return err
	}
	log.Info().
		Str("source", details.Source).
		Str("host", details.Host).
		Str("database", details.DatabaseName).
		Msg("agentd.models_db")

	o, channel := buildOrchestrator(cfg, args, modelsdb.NewOptimizerFactory(details))
	runErr := o.Run(ctx)
	return errors.Join(runErr, releaseChannel(channel))
}

// releaseChannel unlinks a segment the orchestrator left Ready. That only happens on runs
// without a target, where the channel lives until the agent process exits.
func releaseChannel(channel *shm.Channel) error {
	if channel.State() != shm.StateReady {
		return nil
	}
	if err := channel.Teardown(); err != nil && !errors.Is(err, shm.ErrChannelNotReady) {
		return fmt.Errorf("agentd: release channel: %w", err)
	}
	log.Info().Str("channel", channel.Name()).Msg("agentd.channel released")
	return nil
}
