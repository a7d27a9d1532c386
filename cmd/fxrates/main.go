package main

import "fxrates/internal/cli"

func main() {
	cli.Execute()
}
