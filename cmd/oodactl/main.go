package main

import "ooda-engine/internal/cli"

func main() {
	cli.Execute()
}
