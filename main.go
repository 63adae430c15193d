package main

import "github.com/agentic-research/portal/cmd"

func main() {
	cmd.Execute()
}
