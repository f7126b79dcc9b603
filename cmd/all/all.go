// Package all imports all the commands
package all

import (
	// Active commands
	_ "github.com/woclouds/wopan/cmd"
	_ "github.com/woclouds/wopan/cmd/run"
	_ "github.com/woclouds/wopan/cmd/version"
)
