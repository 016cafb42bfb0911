package daemon

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/ipc"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
)

func init() {
	log.InitWriter(io.Discard)
	log.SetEnabled(false)
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.DefaultAgentBackend = "mock"
	cfg.AgentPoolSize = 2
	return cfg
}

func TestDaemon_StartsAndServes(t *testing.T) {
	ws := t.TempDir()
	d, err := New(ws, testConfig())
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.Start())
	require.NotZero(t, d.Port())

	layout := store.NewLayout(ws, config.DefaultWorkingDirectory)
	port, err := store.ReadPortFile(layout)
	require.NoError(t, err)
	require.Equal(t, d.Port(), port)

	c, err := ipc.Dial(layout)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Request("state.snapshot", nil)
	require.NoError(t, err)
	snap := res.(map[string]any)
	require.Equal(t, float64(2), snap["pool"].(map[string]any)["total"])
	require.Equal(t, "idle", snap["coordinator"])
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	ws := t.TempDir()
	d, err := New(ws, testConfig())
	require.NoError(t, err)
	defer d.Close()

	_, err = New(ws, testConfig())
	require.Error(t, err)
	require.Equal(t, werr.CodeLockHeld, werr.CodeOf(err))
	require.Equal(t, ExitLockHeld, ExitCode(err))
}

func TestDaemon_RejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.AgentPoolSize = 0
	_, err := New(t.TempDir(), cfg)
	require.Error(t, err)
	require.Equal(t, ExitConfig, ExitCode(err))

	cfg = testConfig()
	cfg.DefaultAgentBackend = "hamster"
	_, err = New(t.TempDir(), cfg)
	require.Error(t, err)
	require.Equal(t, ExitConfig, ExitCode(err))
}

func TestExitCode_Mapping(t *testing.T) {
	require.Equal(t, ExitOK, ExitCode(nil))
	require.Equal(t, ExitConfig, ExitCode(werr.New(werr.CodeConfigInvalid, "bad")))
	require.Equal(t, ExitLockHeld, ExitCode(werr.New(werr.CodeLockHeld, "held")))
	require.Equal(t, ExitInternal, ExitCode(werr.New(werr.CodeIOError, "disk")))
}
