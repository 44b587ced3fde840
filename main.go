package main

import (
	"fmt"
	"os"

	"github.com/deemkeen/fedhub/util"
	"github.com/spf13/cobra"
)

var debug bool

func main() {
	rootCmd := &cobra.Command{
		Use:   util.Name,
		Short: "Federated channel hub",
		Long: `A hub hosting channels that federate over ActivityPub and Zot.
It receives, verifies and stores posts from remote actors and relays
conversations to everyone who holds a copy of the thread.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.SetDebug(debug)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		queueCmd(),
		channelCmd(),
		reportsCmd(),
		sitesCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(util.GetNameAndVersion())
		},
	}
}
