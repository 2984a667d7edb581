package main

import (
	"errors"
	"fmt"
	"time"

	"relay-svc/app"
	"relay-svc/app/rpc"

	"github.com/spf13/cobra"
)

// execGrace is added to the command timeout when --wait is not given
const execGrace = 5 * time.Second

var errCommandFailed = errors.New("command did not succeed")

func newExecCmd() *cobra.Command {
	var (
		flags      commandFlags
		wait       time.Duration
		poll       time.Duration
		retries    int
		retryDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] -- <command...>",
		Short: "Run a command and wait for its result",
		Long: `Queue a command, wait for it to reach a terminal status and print the
result as JSON. Transient failures such as broker errors or a missed wait
deadline are retried up to --retries times. Exits non-zero when the command
did not succeed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := brokerClient(cmd)
			if err != nil {
				return err
			}
			if wait <= 0 {
				wait = flags.timeout + execGrace
			}

			res, err := rpc.Exec(cmd.Context(), c, flags.request(args), rpc.Options{
				Timeout:      wait,
				PollInterval: poll,
				Retries:      retries,
				RetryDelay:   retryDelay,
				Logger:       app.NewLogger("warn", "text", cmd.ErrOrStderr()),
			})
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("exec: %w", err)
			}
			if !res.Success {
				return fmt.Errorf("exec: %w: %s", errCommandFailed, res.Error)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long each attempt waits for a result (default timeout + 5s)")
	cmd.Flags().DurationVar(&poll, "poll", rpc.DefaultPollInterval, "result poll interval")
	cmd.Flags().IntVar(&retries, "retries", 0, "extra attempts after a transient failure")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", rpc.DefaultRetryDelay, "delay between attempts")
	return cmd
}
