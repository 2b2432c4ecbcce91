package main

import "github.com/jmcleod/storyverse/cmd/storyverse/cmd"

func main() {
	cmd.Execute()
}
