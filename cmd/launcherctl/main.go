package main

import "github.com/prism-data/pattern-launcher/cmd/launcherctl/cmd"

func main() {
	cmd.Execute()
}
