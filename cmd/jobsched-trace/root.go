package main

import (
	"fmt"
	"io"

	"github.com/joeycumines/go-jobsched/internal/scenario"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	LogLevel      string
	MaxTicks      int
	MaxMicrotasks int
}

var logLevels = [...]logiface.Level{
	logiface.LevelDisabled,
	logiface.LevelEmergency,
	logiface.LevelAlert,
	logiface.LevelCritical,
	logiface.LevelError,
	logiface.LevelWarning,
	logiface.LevelNotice,
	logiface.LevelInformational,
	logiface.LevelDebug,
	logiface.LevelTrace,
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   `jobsched-trace`,
		Short: `Replay job scheduler scenarios`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := parseLevel(opts.LogLevel)
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, `log-level`, logiface.LevelWarning.String(), `minimum level logged to stderr`)

	cmd.AddCommand(newRunCommand(opts))

	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   `run FILE...`,
		Short: `Replay every scenario in the given files`,
		Long: `Replay every scenario in the given files, writing one trace per scenario.

Each trace lists the jobs and post-flush callbacks in the order they ran,
alongside errors, recursion-limit skips, aborted flushes, and a final line
of scheduler statistics.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(opts.LogLevel)
			if err != nil {
				return err
			}
			replayer := scenario.Replayer{
				Logger:        newLogger(cmd.ErrOrStderr(), level),
				MaxTicks:      opts.MaxTicks,
				MaxMicrotasks: opts.MaxMicrotasks,
			}
			var results []*scenario.Result
			for _, file := range args {
				scenarios, err := scenario.LoadFile(file)
				if err != nil {
					return err
				}
				for _, sc := range scenarios {
					res, err := replayer.Replay(cmd.Context(), sc)
					if err != nil {
						return fmt.Errorf(`%s: %w`, file, err)
					}
					results = append(results, res)
				}
			}
			return scenario.Write(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().IntVar(&opts.MaxTicks, `max-ticks`, scenario.DefaultMaxTicks, `maximum ticks per scenario`)
	cmd.Flags().IntVar(&opts.MaxMicrotasks, `max-microtasks`, scenario.DefaultMaxMicrotasks, `maximum microtasks per tick`)

	return cmd
}

func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func parseLevel(s string) (logiface.Level, error) {
	for _, level := range logLevels {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf(`invalid log level %q`, s)
}
