package main

import "storykeep/cmd"

func main() {
	cmd.Execute()
}
