package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"relay-svc/app/domains"
)

// Request describes one command run. Output is written to Stdout and
// Stderr as it is produced.
type Request struct {
	Command string
	Target  domains.Target
	Stdout  io.Writer
	Stderr  io.Writer
}

// Executor runs a command to completion. It returns the exit code when the
// command ran, or an error when it could not be run or ctx ended first.
type Executor interface {
	Run(ctx context.Context, req Request) (int, error)
}

// LocalExecutor executes shell commands on the relay host (sh -c)
type LocalExecutor struct {
	sandbox *Sandbox
}

// NewLocalExecutor creates a new local command executor
func NewLocalExecutor(sandbox *Sandbox) *LocalExecutor {
	if sandbox == nil {
		sandbox = NewSandbox("", nil)
	}
	return &LocalExecutor{sandbox: sandbox}
}

// Run executes req.Command with sh -c
func (e *LocalExecutor) Run(ctx context.Context, req Request) (int, error) {
	command := e.sandbox.WrapCommand(exec.CommandContext(ctx, "sh", "-c", req.Command))
	command.Stdout = req.Stdout
	command.Stderr = req.Stderr

	if err := command.Start(); err != nil {
		return -1, fmt.Errorf("failed to start command: %w", err)
	}

	err := command.Wait()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return exitError.ExitCode(), nil
		}
		return -1, fmt.Errorf("execution failed: %w", err)
	}
	return 0, nil
}

// Mux dispatches a request to the executor for its target type
type Mux struct {
	local Executor
	ssh   Executor
}

// NewMux creates an executor that runs local targets with local and ssh
// targets with ssh
func NewMux(local, ssh Executor) *Mux {
	return &Mux{local: local, ssh: ssh}
}

// Run executes req on the executor matching its target
func (m *Mux) Run(ctx context.Context, req Request) (int, error) {
	switch req.Target.Type {
	case domains.TargetSSH:
		if m.ssh == nil {
			return -1, fmt.Errorf("ssh execution is not configured on this relay")
		}
		return m.ssh.Run(ctx, req)
	case domains.TargetLocal, "":
		return m.local.Run(ctx, req)
	default:
		return -1, fmt.Errorf("unknown target type: %s", req.Target.Type)
	}
}
