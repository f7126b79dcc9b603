// Wopan is a local HTTP gateway to the Wo Cloud storage service.
package main

import (
	"github.com/woclouds/wopan/cmd"
	_ "github.com/woclouds/wopan/cmd/all" // import all commands
)

func main() {
	cmd.Main()
}
