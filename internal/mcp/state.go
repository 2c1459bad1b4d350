// Package mcp supervises connections to configured MCP tool servers,
// including the OAuth handshake remote servers may demand.
package mcp

// State is a tool server's connection state.
type State string

const (
	StateNotInitialized          State = "not_initialized"
	StateConnecting              State = "connecting"
	StateConnected               State = "connected"
	StateDisabled                State = "disabled"
	StateNeedsAuth               State = "needs_auth"
	StateNeedsClientRegistration State = "needs_client_registration"
	StateFailed                  State = "failed"
)

// Label is the operator-facing name of a state.
func (s State) Label() string {
	switch s {
	case StateNotInitialized:
		return "not initialized"
	case StateNeedsAuth:
		return "needs authentication"
	case StateNeedsClientRegistration:
		return "needs client registration"
	default:
		return string(s)
	}
}

// Status is the observable state of one server.
type Status struct {
	Name  string `json:"name" yaml:"name"`
	State State  `json:"state" yaml:"state"`

	// Error is set for failed, needs_auth after a failed flow, and
	// needs_client_registration.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	Server string   `json:"server,omitempty" yaml:"server,omitempty"`
	Tools  []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}
