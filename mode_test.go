package vkrt

import (
	"errors"
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeNone, false},
		{"none", ModeNone, false},
		{"verbose", ModeVerbose, false},
		{"VERBOSE", ModeVerbose, false},
		{" profile ", ModeProfile, false},
		{"all", ModeAll, false},
		{"debug", ModeNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("ParseMode(%q) error = %v, want %v", tt.in, err, ErrInvalidArgument)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMode(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestModeFlags(t *testing.T) {
	tests := []struct {
		mode            Mode
		verbose, profil bool
		str             string
	}{
		{ModeNone, false, false, "none"},
		{ModeVerbose, true, false, "verbose"},
		{ModeProfile, false, true, "profile"},
		{ModeAll, true, true, "all"},
		{Mode(8), false, false, "Mode(8)"},
	}
	for _, tt := range tests {
		if got := tt.mode.Verbose(); got != tt.verbose {
			t.Errorf("%v.Verbose() = %v, want %v", tt.mode, got, tt.verbose)
		}
		if got := tt.mode.Profile(); got != tt.profil {
			t.Errorf("%v.Profile() = %v, want %v", tt.mode, got, tt.profil)
		}
		if got := tt.mode.String(); got != tt.str {
			t.Errorf("Mode(%d).String() = %q, want %q", uint8(tt.mode), got, tt.str)
		}
	}
}

func TestModeStringRoundTrip(t *testing.T) {
	for _, m := range []Mode{ModeNone, ModeVerbose, ModeProfile, ModeAll} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", m.String(), got, err, m)
		}
	}
}
