package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hookrelay.dev/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Reports the version of the hookrelayd binary",

	DisableFlagsInUseLine: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, "hookrelayd version", version.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
