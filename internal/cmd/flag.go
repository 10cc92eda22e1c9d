package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// commandLineFlag declares one flag together with the viper key it overrides.
// Flags carry no default values; defaults live in the config loader so an
// unset flag never shadows the config file or the environment.
type commandLineFlag struct {
	name, shorthand, usage, key string
	boolean                     bool
}

var (
	hostFlag = commandLineFlag{
		name:      "host",
		shorthand: "s",
		usage:     "host address to bind the server to (default is 127.0.0.1)",
		key:       "host",
	}
	portFlag = commandLineFlag{
		name:      "port",
		shorthand: "p",
		usage:     "port number to listen on (default is 8080)",
		key:       "port",
	}
	dataDirFlag = commandLineFlag{
		name:  "data-dir",
		usage: "directory holding the run registry database",
		key:   "paths.data_dir",
	}
	debugFlag = commandLineFlag{
		name:    "debug",
		usage:   "enable debug logging",
		key:     "debug",
		boolean: true,
	}
	quietFlag = commandLineFlag{
		name:      "quiet",
		shorthand: "q",
		usage:     "suppress console logging",
		key:       "quiet",
		boolean:   true,
	}
)

func initFlags(cmd *cobra.Command, flags ...commandLineFlag) {
	for _, f := range flags {
		if f.boolean {
			cmd.Flags().BoolP(f.name, f.shorthand, false, f.usage)
			continue
		}
		cmd.Flags().StringP(f.name, f.shorthand, "", f.usage)
	}
}

// bindFlags pushes explicitly set flags into viper. Only changed flags bind,
// so flag zero values never outrank loader defaults.
func bindFlags(cmd *cobra.Command, flags ...commandLineFlag) {
	for _, f := range flags {
		if f.key == "" || !cmd.Flags().Changed(f.name) {
			continue
		}
		_ = viper.BindPFlag(f.key, cmd.Flags().Lookup(f.name))
	}
}
