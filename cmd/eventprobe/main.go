package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eventprobe",
		Short: "Publish and watch gigwire domain events",
		Long:  "Eventprobe exercises the event pipeline without driving a producer service: publish a test event to the broker, or bind a probe queue and print what flows through the exchange.",
	}

	cmd.AddCommand(newPublishCmd())
	cmd.AddCommand(newListenCmd())
	return cmd
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
