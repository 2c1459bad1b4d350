// Package fakeserver is a scriptable stdio MCP server for tests.
package fakeserver

import (
	"encoding/json"
	"io"
	"time"
)

// Config controls the fake server's behavior.
type Config struct {
	// Name and Version are reported from initialize.
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`

	// Tools to return from tools/list
	Tools []Tool `json:"tools"`

	// Per-method delays. Keep them short.
	Delays map[string]time.Duration `json:"delays,omitempty"`

	// Per-method forced JSON-RPC errors
	Errors map[string]JSONRPCError `json:"errors,omitempty"`

	// Exit with CrashExitCode when CrashOnMethod is called
	CrashOnMethod string `json:"crashOnMethod,omitempty"`
	CrashExitCode int    `json:"crashExitCode,omitempty"`

	// Block forever when HangOnMethod is called, ignoring stdin EOF
	HangOnMethod string `json:"hangOnMethod,omitempty"`

	// Write invalid JSON instead of responses
	Malformed bool `json:"malformed,omitempty"`
}

// Tool is an MCP tool definition.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      serverInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

// write sends one NDJSON framed message.
func write(out io.Writer, msg rpcResponse) error {
	msg.JSONRPC = "2.0"
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = out.Write(append(data, '\n'))
	return err
}
