package main

import (
	"fmt"

	"relay-svc/app/rpc"

	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	var flags commandFlags

	cmd := &cobra.Command{
		Use:   "queue [flags] -- <command...>",
		Short: "Queue a command and print its id without waiting",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := brokerClient(cmd)
			if err != nil {
				return err
			}
			id, err := rpc.ExecAsync(cmd.Context(), c, flags.request(args))
			if err != nil {
				return fmt.Errorf("queue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
