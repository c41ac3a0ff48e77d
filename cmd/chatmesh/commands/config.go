package commands

import (
	"github.com/chatmesh/chatmesh/src/config"
)

//CLIConfig contains configuration for the Run command
type CLIConfig struct {
	Chatmesh config.Config `mapstructure:",squash"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Chatmesh: *config.NewDefaultConfig(),
	}
}
