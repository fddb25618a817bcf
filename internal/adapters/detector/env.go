// Package detector picks the watch output mode from the environment.
package detector

import (
	"os"

	"golang.org/x/term"
)

// OutputMode represents the rendering mode for the application.
type OutputMode int

const (
	// ModeAuto automatically detects the appropriate mode.
	ModeAuto OutputMode = iota
	// ModeTUI forces the interactive TUI renderer.
	ModeTUI
	// ModeLinear forces the line-oriented renderer.
	ModeLinear
)

// DetectEnvironment returns the recommended output mode. The TUI is used only
// when stdout is a terminal outside CI.
func DetectEnvironment() OutputMode {
	return detect(term.IsTerminal(int(os.Stdout.Fd())))
}

func detect(isTTY bool) OutputMode {
	ci := os.Getenv("CI")
	isCI := ci == "true" || ci == "1"

	if !isTTY || isCI {
		return ModeLinear
	}
	return ModeTUI
}

// ResolveMode applies the user's --output-mode flag to the detected mode.
// userFlag should be one of: "auto", "tui", "linear", "ci", or empty.
func ResolveMode(autoDetected OutputMode, userFlag string) OutputMode {
	switch userFlag {
	case "tui":
		return ModeTUI
	case "linear", "ci":
		return ModeLinear
	default:
		return autoDetected
	}
}
