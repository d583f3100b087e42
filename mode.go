package vkrt

import (
	"fmt"
	"strings"
)

// Mode selects the diagnostics a Context produces.
type Mode uint8

const (
	// ModeNone produces no diagnostics.
	ModeNone Mode = 0

	// ModeVerbose lists layers and devices, enables the validation layer
	// when present and forwards driver messages to the diagnostic sink.
	ModeVerbose Mode = 1 << 0

	// ModeProfile logs the host-measured duration of Device.Execute.
	ModeProfile Mode = 1 << 1

	// ModeAll enables verbose and profile diagnostics.
	ModeAll = ModeVerbose | ModeProfile
)

// Verbose reports whether m includes ModeVerbose.
func (m Mode) Verbose() bool { return m&ModeVerbose != 0 }

// Profile reports whether m includes ModeProfile.
func (m Mode) Profile() bool { return m&ModeProfile != 0 }

// String returns the name accepted by ParseMode.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeVerbose:
		return "verbose"
	case ModeProfile:
		return "profile"
	case ModeAll:
		return "all"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode parses "none", "verbose", "profile" or "all", ignoring case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ModeNone, nil
	case "verbose":
		return ModeVerbose, nil
	case "profile":
		return ModeProfile, nil
	case "all":
		return ModeAll, nil
	}
	return ModeNone, fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, s)
}
