package main

import (
	"github.com/xornet-io/xornet/cmd/xornetd/commands"
)

func main() {
	commands.Execute()
}
