package main

import "github.com/rustyconover/deterministic-screenshots-chromium/cmd"

func main() {
	cmd.Execute()
}
