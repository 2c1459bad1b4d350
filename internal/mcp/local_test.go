package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctic-cli/arctic/internal/config"
	"github.com/arctic-cli/arctic/internal/mcptest"
)

// TestHelperProcess is the fake stdio server started by mcptest.LocalServer.
func TestHelperProcess(t *testing.T) {
	mcptest.RunHelperProcess()
}

func TestClientDialer_Local(t *testing.T) {
	cfg := mcptest.LocalServer(t, "files", mcptest.DefaultConfig())

	conn, err := (&ClientDialer{}).Dial(context.Background(), cfg, "")
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	assert.Equal(t, "fake-server 1.0.0", conn.ServerInfo())
	assert.Equal(t, []string{"read_file", "write_file"}, conn.Tools())
}

func TestClientDialer_LocalInitializeError(t *testing.T) {
	cfg := mcptest.LocalServer(t, "broken", mcptest.ErrorOnInitConfig(-32000, "database offline"))

	_, err := (&ClientDialer{}).Dial(context.Background(), cfg, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize")
}

func TestClientDialer_LocalToolsListFailureIsNotFatal(t *testing.T) {
	cfg := mcptest.LocalServer(t, "tools", mcptest.ErrorOnToolsListConfig())

	conn, err := (&ClientDialer{}).Dial(context.Background(), cfg, "")
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	assert.Empty(t, conn.Tools())
}

func TestClientDialer_LocalInitTimeout(t *testing.T) {
	cfg := mcptest.LocalServer(t, "slow", mcptest.SlowInitConfig(2*time.Second))
	cfg.Timeout = 200

	start := time.Now()
	_, err := (&ClientDialer{}).Dial(context.Background(), cfg, "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientDialer_LocalServerThatNeverAnswers(t *testing.T) {
	cfg := mcptest.LocalServer(t, "stuck", mcptest.HangOnInitConfig())
	cfg.Timeout = 200

	start := time.Now()
	_, err := (&ClientDialer{}).Dial(context.Background(), cfg, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize")
	assert.Less(t, time.Since(start), time.Second)
}

func TestSupervisor_StuckLocalServerFailsAndCanBeRetried(t *testing.T) {
	cfg := mcptest.LocalServer(t, "stuck", mcptest.HangOnInitConfig())
	cfg.Timeout = 200

	sup := NewSupervisor(newStore(t), &ClientDialer{})
	defer sup.Close()
	sup.Reload(map[string]config.ServerConfig{"stuck": cfg})

	start := time.Now()
	st := sup.Connect(context.Background(), "stuck")
	assert.Equal(t, StateFailed, st.State)
	assert.Less(t, time.Since(start), time.Second)

	// failed, not stuck in connecting, so the operator retry dials again
	st = sup.Reconnect(context.Background(), "stuck")
	assert.Equal(t, StateFailed, st.State)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSupervisor_LocalServerLifecycle(t *testing.T) {
	good := mcptest.LocalServer(t, "good", mcptest.DefaultConfig())
	crash := mcptest.LocalServer(t, "crash", mcptest.CrashOnInitConfig(3))
	crash.Timeout = 2000

	sup := NewSupervisor(newStore(t), &ClientDialer{})
	defer sup.Close()
	sup.Reload(map[string]config.ServerConfig{"good": good, "crash": crash})

	statuses := sup.ConnectAll(context.Background())
	require.Len(t, statuses, 2)

	byName := map[string]Status{}
	for _, st := range statuses {
		byName[st.Name] = st
	}
	assert.Equal(t, StateConnected, byName["good"].State)
	assert.Equal(t, []string{"read_file", "write_file"}, byName["good"].Tools)
	assert.Equal(t, StateFailed, byName["crash"].State)
	assert.NotEmpty(t, byName["crash"].Error)

	require.NotNil(t, sup.Conn("good"))
	assert.Nil(t, sup.Conn("crash"))
}
