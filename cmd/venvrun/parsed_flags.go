package main

import "github.com/0x4D31/venvrun/internal/loader"

// parsedFlags groups command line options passed to the runtime.
type parsedFlags struct {
	ConfigPath string
	LogLevel   string
	// Overrides are re-applied whenever the config file is reloaded.
	Overrides loader.Overrides
}
