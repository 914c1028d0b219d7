package commands

import (
	"github.com/karstnetwork/karst/internal/config"
)

// ConfigPath is set by the root command's persistent flag.
var ConfigPath string

// Version information, overridden at build time with -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func loadConfig() (*config.Config, error) {
	return config.Load(ConfigPath)
}
