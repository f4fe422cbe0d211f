package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"github.com/finsync/finsync/cmd"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		memguard.SafeExit(1)
	}
}
