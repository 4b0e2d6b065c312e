package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Container is the execution container a job runs inside: one window per job
// slot within the owning user's session. Implemented by tmux in production
// and by an in-memory fake in tests.
type Container interface {
	EnsureSession(ctx context.Context, session string) error
	OpenWindow(ctx context.Context, session string, slot int, dir string) error
	SendCommand(ctx context.Context, session string, slot int, command string) error
	Interrupt(ctx context.Context, session string, slot int) error
	CaptureTail(ctx context.Context, session string, slot int, lines int) (string, error)
	KillWindow(ctx context.Context, session string, slot int) error
}

// Runner runs a local command and returns its combined output. Factored out
// so tmux behavior is testable without a tmux server.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// TmuxClient drives a tmux server as the execution container
type TmuxClient struct {
	runner Runner
	log    *logrus.Entry
}

// NewTmuxClient creates a tmux-backed container client.
func NewTmuxClient() *TmuxClient {
	return &TmuxClient{runner: execRunner{}, log: logrus.WithField("component", "tmux")}
}

// NewTmuxClientWithRunner creates a client using a custom command runner.
func NewTmuxClientWithRunner(r Runner) *TmuxClient {
	return &TmuxClient{runner: r, log: logrus.WithField("component", "tmux")}
}

func windowTarget(session string, slot int) string {
	return session + ":" + strconv.Itoa(slot)
}

// EnsureSession creates the user's session if it does not exist yet.
func (c *TmuxClient) EnsureSession(ctx context.Context, session string) error {
	if _, err := c.runner.Run(ctx, "tmux", "has-session", "-t", session); err == nil {
		return nil
	}
	_, err := c.runner.Run(ctx, "tmux", "new-session", "-d", "-s", session)
	return err
}

// OpenWindow opens a window named after the job slot, rooted at dir.
func (c *TmuxClient) OpenWindow(ctx context.Context, session string, slot int, dir string) error {
	args := []string{"new-window", "-t", session, "-n", strconv.Itoa(slot)}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	_, err := c.runner.Run(ctx, "tmux", args...)
	return err
}

// SendCommand types the command into the job's window and presses enter.
func (c *TmuxClient) SendCommand(ctx context.Context, session string, slot int, command string) error {
	_, err := c.runner.Run(ctx, "tmux", "send-keys", "-t", windowTarget(session, slot), command, "C-m")
	return err
}

// Interrupt sends ^C to the job's window.
func (c *TmuxClient) Interrupt(ctx context.Context, session string, slot int) error {
	_, err := c.runner.Run(ctx, "tmux", "send-keys", "-t", windowTarget(session, slot), "C-c")
	return err
}

// CaptureTail returns the last lines of output visible in the job's window.
func (c *TmuxClient) CaptureTail(ctx context.Context, session string, slot int, lines int) (string, error) {
	out, err := c.runner.Run(ctx, "tmux", "capture-pane", "-p",
		"-t", windowTarget(session, slot), "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	return out, nil
}

// KillWindow removes the job's window. Missing windows are not an error so
// clearing an already-gone job stays idempotent.
func (c *TmuxClient) KillWindow(ctx context.Context, session string, slot int) error {
	_, err := c.runner.Run(ctx, "tmux", "kill-window", "-t", windowTarget(session, slot))
	if err != nil && strings.Contains(err.Error(), "can't find window") {
		c.log.WithField("window", windowTarget(session, slot)).Debug("window already gone")
		return nil
	}
	return err
}
