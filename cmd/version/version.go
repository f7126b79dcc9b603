// Package version provides the version command.
package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/woclouds/wopan/cmd"
	"github.com/woclouds/wopan/pan"
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
}

var commandDefinition = &cobra.Command{
	Use:   "version",
	Short: "Show the version number",
	Run: func(command *cobra.Command, args []string) {
		fmt.Println(VersionString())
	},
}

// VersionString assembles the version report
func VersionString() string {
	return fmt.Sprintf("wopan %s\n- os/type: %s\n- os/arch: %s\n- go/version: %s",
		pan.Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
