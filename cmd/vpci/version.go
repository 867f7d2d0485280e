package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"
)

// Version is set at link time with -X main.Version=vX.Y.Z.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		if !semver.IsValid(Version) {
			fmt.Printf("vpci %s (development build)\n", Version)
			return
		}
		fmt.Printf("vpci %s\n", semver.Canonical(Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
