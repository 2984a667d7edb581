package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <command-id>",
		Short: "Print the current result of a command as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("get: invalid command id %q: %w", args[0], err)
			}
			c, err := brokerClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.GetCommandResult(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
