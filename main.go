package main

import "github.com/cireilclaw/cireilclaw/cmd"

func main() {
	cmd.Execute()
}
