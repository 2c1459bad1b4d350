package mcptest

import "time"

// DefaultConfig returns a working server with two tools.
func DefaultConfig() FakeServerConfig {
	return FakeServerConfig{
		Tools: []Tool{
			{Name: "read_file", Description: "Read a file from disk"},
			{Name: "write_file", Description: "Write content to a file"},
		},
	}
}

// SlowInitConfig delays the initialize response.
func SlowInitConfig(delay time.Duration) FakeServerConfig {
	return FakeServerConfig{
		Tools:  []Tool{{Name: "test_tool"}},
		Delays: map[string]time.Duration{"initialize": delay},
	}
}

// HangOnInitConfig never answers initialize and never exits on its own.
func HangOnInitConfig() FakeServerConfig {
	return FakeServerConfig{HangOnMethod: "initialize"}
}

// CrashOnInitConfig exits with exitCode on initialize.
func CrashOnInitConfig(exitCode int) FakeServerConfig {
	return FakeServerConfig{CrashOnMethod: "initialize", CrashExitCode: exitCode}
}

// ErrorOnInitConfig answers initialize with a JSON-RPC error.
func ErrorOnInitConfig(code int, message string) FakeServerConfig {
	return FakeServerConfig{
		Errors: map[string]JSONRPCError{"initialize": {Code: code, Message: message}},
	}
}

// ErrorOnToolsListConfig initializes but fails tools/list.
func ErrorOnToolsListConfig() FakeServerConfig {
	return FakeServerConfig{
		Errors: map[string]JSONRPCError{"tools/list": {Code: -32603, Message: "tools unavailable"}},
	}
}
