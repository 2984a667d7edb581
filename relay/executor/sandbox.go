package executor

import (
	"os"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long Wait blocks on output pipes after the
// command was killed. Children of sh -c can keep the pipes open.
const DefaultWaitDelay = 2 * time.Second

// Sandbox holds the process constraints applied to local commands
type Sandbox struct {
	workDir   string
	env       []string
	waitDelay time.Duration
}

// NewSandbox creates a new sandbox. An empty workDir keeps the relay's
// working directory; extraEnv is appended to the relay's environment.
func NewSandbox(workDir string, extraEnv []string) *Sandbox {
	return &Sandbox{
		workDir:   workDir,
		env:       extraEnv,
		waitDelay: DefaultWaitDelay,
	}
}

// WrapCommand applies the sandbox constraints to cmd
func (s *Sandbox) WrapCommand(cmd *exec.Cmd) *exec.Cmd {
	if s.workDir != "" {
		cmd.Dir = s.workDir
	}
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	cmd.WaitDelay = s.waitDelay
	return cmd
}

// WorkDir returns the directory commands run in
func (s *Sandbox) WorkDir() string {
	return s.workDir
}
