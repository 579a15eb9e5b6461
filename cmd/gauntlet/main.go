package main

import "github.com/lemon07r/gauntlet/internal/cli"

func main() {
	cli.Execute()
}
