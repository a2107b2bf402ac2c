package main

import "email-triage/cmd/triage-agent/cmd"

func main() {
	cmd.Execute()
}
