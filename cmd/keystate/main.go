package main

import "github.com/jmcleod/keystate/cmd/keystate/cmd"

func main() {
	cmd.Execute()
}
