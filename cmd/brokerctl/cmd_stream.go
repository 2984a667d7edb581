package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newStreamCmd() *cobra.Command {
	var poll time.Duration

	cmd := &cobra.Command{
		Use:   "stream <command-id>",
		Short: "Follow a command's output until it finishes",
		Long: `Print a command's stdout and stderr as the relay reports them, then exit
once the command is terminal. Exits non-zero when the command did not
succeed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("stream: invalid command id %q: %w", args[0], err)
			}
			c, err := brokerClient(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
			var outOffset, errOffset int
			for {
				chunk, err := c.Stream(ctx, id, outOffset, errOffset)
				if err != nil {
					return fmt.Errorf("stream: %w", err)
				}
				fmt.Fprint(stdout, chunk.Stdout)
				fmt.Fprint(stderr, chunk.Stderr)
				outOffset, errOffset = chunk.StdoutOffset, chunk.StderrOffset

				if chunk.Final {
					if chunk.ExitCode != nil && *chunk.ExitCode != 0 {
						return fmt.Errorf("stream: %w: exit code %d", errCommandFailed, *chunk.ExitCode)
					}
					if chunk.Error != nil {
						return fmt.Errorf("stream: %w: %s", errCommandFailed, *chunk.Error)
					}
					return nil
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(poll):
				}
			}
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "output poll interval")
	return cmd
}
