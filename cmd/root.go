package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/CodeWitchBella/netvr-sub001/cmd/gen"
)

var rootCmd = &cobra.Command{
	Use:   "netvr",
	Short: "netvr relays pose and configuration data between VR clients",
	Long: `netvr relays pose and configuration data between VR clients

Headsets, controllers and browser dashboards connect over a websocket,
get a durable numeric identity and share a room: configuration changes
flow as patched JSON documents, tracked poses as binary frames
broadcast every tick.
`,
}

func init() {
	rootCmd.AddCommand(StartCmd)
	rootCmd.AddCommand(VersionCmd)
	rootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
