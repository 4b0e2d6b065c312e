package aws

import (
	"bytes"
	"context"
	"os/exec"

	"accel-fleet/core/resource_manager"
)

// workerExec runs a shell command on one worker and captures the outcome.
// Swapped out in tests.
type workerExec interface {
	run(ctx context.Context, user, addr, command string) resource_manager.ExecResult
}

// sshExec shells out to the system ssh binary. Host keys are not verified:
// workers are recreated often and addresses are reused.
type sshExec struct{}

func (sshExec) run(ctx context.Context, user, addr, command string) resource_manager.ExecResult {
	cmd := exec.CommandContext(ctx, "ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=10",
		user+"@"+addr,
		command,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := resource_manager.ExecResult{}
	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	return res
}
