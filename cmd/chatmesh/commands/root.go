package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for chatmesh
var RootCmd = &cobra.Command{
	Use:              "chatmesh",
	Short:            "chatmesh p2p chat node",
	TraverseChildren: true,
}
