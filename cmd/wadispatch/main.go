package main

import (
	"os"

	"wadispatch/cmd/wadispatch/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
