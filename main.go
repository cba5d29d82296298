// Package main is responsible for the main func of vhostproxy.  The actual
// work is done in the cmd package.
package main

import "github.com/ameshkov/vhostproxy/internal/cmd"

func main() {
	cmd.Main()
}
