package procattr

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfiguresProcessGroup(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("echo", "test")
	require.Nil(t, cmd.SysProcAttr)

	Set(cmd)

	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
}

func TestSetSession(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("echo", "test")
	SetSession(cmd, false)
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setsid)
	assert.False(t, cmd.SysProcAttr.Setpgid)
}

func TestSignalGroupNilProcess(t *testing.T) {
	t.Parallel()
	assert.NoError(t, SignalGroup(nil, syscall.SIGTERM))
	assert.NoError(t, KillGroup(nil))
}

func TestKillGroupReachesGrandchildren(t *testing.T) {
	t.Parallel()
	// The shell forks a sleeping grandchild that inherits the group.
	cmd := exec.Command("sh", "-c", "sleep 60 & wait")
	Set(cmd)
	require.NoError(t, cmd.Start())

	require.NoError(t, KillGroup(cmd.Process))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process group survived SIGKILL")
	}
	assert.NoError(t, SignalGroup(cmd.Process, syscall.SIGTERM), "signalling an exited group is not an error")
}
