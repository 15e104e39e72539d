package main

import (
	"os"

	"github.com/normalerweise/icloud-photos-sync/internal/cmd"
)

func main() {
	if err := cmd.Execute(os.Args[1:]); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
