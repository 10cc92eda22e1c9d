// Package cmd assembles the weft command line: the long-running server and
// small operational helpers around it.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weftlabs/weft/internal/build"
)

var rootCmd = &cobra.Command{
	Use:   build.Slug,
	Short: "Durable DAG orchestration for agent pipelines.",
	Long:  `Weft admits, executes and replays DAG runs of agent blocks, with durable state, contract gates and human approval pauses.`,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func registerCommands() {
	rootCmd.AddCommand(CmdServer())
	rootCmd.AddCommand(CmdVersion())
}

func init() {
	rootCmd.PersistentFlags().StringP(
		"config", "c", "",
		"config file (default is $XDG_CONFIG_HOME/weft/config.yaml)",
	)
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	registerCommands()
}
