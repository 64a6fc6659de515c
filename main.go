package main

import "github.com/ledgerline/agentrun/cmd"

func main() {
	cmd.Execute()
}
