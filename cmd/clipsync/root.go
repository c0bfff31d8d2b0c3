package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clipsync",
		Short: "Upload agent for match media",
		Long: `clipsync transfers large media files to object storage under bounded
concurrency, survives restarts, and tracks server-side processing of each
uploaded asset until it becomes playable.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newRunCmd(),
	)
	return cmd
}
