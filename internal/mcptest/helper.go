// Package mcptest runs fake stdio MCP servers for tests.
//
// The fake server is the test binary itself: LocalServer returns a config
// that re-execs os.Args[0] with -test.run=TestHelperProcess, and the
// package under test forwards that test to RunHelperProcess:
//
//	func TestHelperProcess(t *testing.T) {
//	    mcptest.RunHelperProcess()
//	}
package mcptest

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/arctic-cli/arctic/internal/config"
	"github.com/arctic-cli/arctic/internal/mcptest/fakeserver"
)

const (
	helperEnv = "ARCTIC_WANT_HELPER_PROCESS"
	configEnv = "ARCTIC_FAKE_MCP_CFG"
)

// FakeServerConfig is an alias for fakeserver.Config.
type FakeServerConfig = fakeserver.Config

// Tool is an alias for fakeserver.Tool.
type Tool = fakeserver.Tool

// JSONRPCError is an alias for fakeserver.JSONRPCError.
type JSONRPCError = fakeserver.JSONRPCError

// LocalServer returns a local server config named name that runs the fake
// server with cfg.
func LocalServer(t *testing.T, name string, cfg FakeServerConfig) config.ServerConfig {
	t.Helper()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal fake server config: %v", err)
	}
	return config.ServerConfig{
		Name:    name,
		Type:    config.ServerTypeLocal,
		Command: []string{os.Args[0], "-test.run=^TestHelperProcess$", "--"},
		Environment: map[string]string{
			helperEnv: "1",
			configEnv: string(cfgJSON),
		},
	}
}

// RunHelperProcess serves the fake server and exits when the process was
// started by LocalServer. Otherwise it returns immediately.
func RunHelperProcess() {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	var cfg fakeserver.Config
	if err := json.Unmarshal([]byte(os.Getenv(configEnv)), &cfg); err != nil {
		os.Exit(2)
	}
	if err := fakeserver.Serve(context.Background(), os.Stdin, os.Stdout, cfg); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
