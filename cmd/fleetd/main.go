package main

import (
	"os"

	"fleetd/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
