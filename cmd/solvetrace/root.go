package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/solvetrace/internal/config"
)

// app holds what PersistentPreRunE prepared for the subcommands.
type app struct {
	cfg   *config.Config
	debug bool
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "solvetrace",
		Short:         "Record problem-solving sessions and deliver them to the collector",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.EnsureAll(); err != nil {
				log.Warn().Err(err).Msg("Failed to ensure data directories")
			}
			cfg, err := config.Load()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to load config, using defaults")
				cfg = config.Default()
			}
			a.cfg = cfg
			setupLogging(cmd, cfg.LogLevel, a.debug)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newCollectorCmd(a),
		newSyncdCmd(a),
		newRecordCmd(a),
		newFlushCmd(a),
		newStatusCmd(a),
	)
	return root
}

func setupLogging(cmd *cobra.Command, level string, debug bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := cmd.ErrOrStderr()
	_, isTerminal := out.(*os.File)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, NoColor: !isTerminal})
}
