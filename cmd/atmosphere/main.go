package main

import (
	"os"

	"github.com/atmosphere-mesh/atmosphere/cmd/atmosphere/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
