package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"relay-svc/app/domains"
	"relay-svc/client"

	"github.com/spf13/cobra"
)

const defaultBrokerURL = "http://localhost:8080"

// newRootCmd creates the root brokerctl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "brokerctl",
		Short:         "Queue and run commands through the relay broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	brokerURL := os.Getenv("BROKER_URL")
	if brokerURL == "" {
		brokerURL = defaultBrokerURL
	}
	cmd.PersistentFlags().String("broker-url", brokerURL, "broker base URL (env BROKER_URL)")

	cmd.AddCommand(
		newQueueCmd(),
		newExecCmd(),
		newGetCmd(),
		newStreamCmd(),
	)
	return cmd
}

func brokerClient(cmd *cobra.Command) (*client.Client, error) {
	url, err := cmd.Flags().GetString("broker-url")
	if err != nil {
		return nil, err
	}
	return client.New(url), nil
}

// commandFlags are shared by every subcommand that creates a command
type commandFlags struct {
	machineID  string
	targetType string
	host       string
	port       int
	user       string
	timeout    time.Duration
	createdBy  string
}

func (f *commandFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.machineID, "machine", "m", "", "machine id the command runs for (required)")
	cmd.Flags().StringVar(&f.targetType, "target", string(domains.TargetLocal), "target type: local or ssh")
	cmd.Flags().StringVar(&f.host, "host", "", "ssh target host")
	cmd.Flags().IntVar(&f.port, "port", 0, "ssh target port (default 22)")
	cmd.Flags().StringVar(&f.user, "user", "", "ssh target username")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "command timeout")
	cmd.Flags().StringVar(&f.createdBy, "created-by", "brokerctl", "creator recorded on the command")
	_ = cmd.MarkFlagRequired("machine")
}

func (f *commandFlags) request(args []string) domains.CommandRequest {
	return domains.CommandRequest{
		MachineID: f.machineID,
		Command:   strings.Join(args, " "),
		Target: domains.Target{
			Type:     domains.TargetType(f.targetType),
			Host:     f.host,
			Port:     f.port,
			Username: f.user,
		},
		TimeoutMs: f.timeout.Milliseconds(),
		CreatedBy: f.createdBy,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
