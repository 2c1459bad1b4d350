package rotation

import "fmt"

// Mode is the multi-account rotation policy.
type Mode string

const (
	// FillFirst stays on one account until the caller reports an error.
	FillFirst Mode = "fill-first"

	// RoundRobin moves to the next account at the start of every request.
	RoundRobin Mode = "round-robin"
)

// DefaultMode is used when nothing is configured.
const DefaultMode = FillFirst

// ParseMode validates a configured mode. Empty means DefaultMode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return DefaultMode, nil
	case FillFirst, RoundRobin:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown multi-account mode %q (want %s or %s)", s, FillFirst, RoundRobin)
}

func (m Mode) String() string { return string(m) }
