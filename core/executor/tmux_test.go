package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls []string
	fail  map[string]error
	out   map[string]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for prefix, err := range f.fail {
		if strings.HasPrefix(call, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.out {
		if strings.HasPrefix(call, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func TestEnsureSessionCreatesWhenMissing(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"tmux has-session": errors.New("no server running")}}
	c := NewTmuxClientWithRunner(r)

	require.NoError(t, c.EnsureSession(context.Background(), "ada"))
	assert.Contains(t, r.calls, "tmux new-session -d -s ada")
}

func TestSendCommandTargetsSlotWindow(t *testing.T) {
	r := &fakeRunner{}
	c := NewTmuxClientWithRunner(r)

	require.NoError(t, c.SendCommand(context.Background(), "ada", 3, "python train.py"))
	assert.Equal(t, []string{"tmux send-keys -t ada:3 python train.py C-m"}, r.calls)
}

func TestCaptureTailReturnsOutput(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"tmux capture-pane": "epoch 12\n"}}
	c := NewTmuxClientWithRunner(r)

	out, err := c.CaptureTail(context.Background(), "ada", 3, 50)
	require.NoError(t, err)
	assert.Equal(t, "epoch 12\n", out)
	assert.Equal(t, []string{"tmux capture-pane -p -t ada:3 -S -50"}, r.calls)
}

func TestKillWindowMissingWindowIsNotAnError(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"tmux kill-window": errors.New("can't find window: 3")}}
	c := NewTmuxClientWithRunner(r)

	assert.NoError(t, c.KillWindow(context.Background(), "ada", 3))
}
