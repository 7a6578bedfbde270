// Command facerelay connects a streaming dialogue service to a facial
// animation engine.
//
// It runs as two processes that talk over a pair of TCP sockets:
//
//	facerelay bridge   # microphone -> dialogue service -> relay client
//	facerelay relay    # relay server -> animation engine
//	facerelay stop     # interrupt a running animation
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Already printed by cobra.
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every sub-command.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "facerelay",
		Short:        "Relay dialogue replies to a facial animation engine",
		Version:      version,
		SilenceUsage: true,
		Long: `facerelay streams microphone audio to a conversational character
service, forwards the spoken replies over a local relay socket, and
re-streams them to an animation engine in paced chunks so the character's
face moves in time with the audio.`,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "facerelay.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newBridgeCmd(opts),
		newRelayCmd(opts),
		newStopCmd(opts),
	)
	return root
}
