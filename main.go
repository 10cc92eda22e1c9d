package main

import (
	"os"

	"github.com/weftlabs/weft/internal/build"
	"github.com/weftlabs/weft/internal/cmd"
)

var version = "dev"

func init() {
	build.Version = version
}

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
