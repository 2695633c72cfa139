package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/cygprof/cygprof"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cygprof version %s\n", cygprof.Version)
	},
}

func init() {
	rootCmd.Version = cygprof.Version
}
