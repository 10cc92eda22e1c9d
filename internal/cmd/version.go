package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/build"
)

func CmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the binary version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(build.Version)
		},
	}
}
