package main

import "github.com/kiesman99/ggrab/cmd"

func main() {
	cmd.Execute()
}
