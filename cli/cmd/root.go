package cmd

import (
	"github.com/spf13/cobra"

	"github.com/flagstream/edge/pkg/flags"
)

var (
	logLevel  *string
	logFormat *string
)

var RootCmd = &cobra.Command{
	Use:   "flagstream-edge",
	Short: "flagstream-edge serves feature flags close to your applications",
	Long: `flagstream-edge serves feature flags close to your applications.

It keeps warm caches of feature payloads per environment, validates SDK
tokens against the upstream flag service, fans updates out to streaming
clients and forwards usage metrics upstream in batches.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		flags.ConfigureLogging(*logLevel, *logFormat)
		return nil
	},
}

func init() {
	logLevel, logFormat = flags.AddLoggingFlags(RootCmd.PersistentFlags())

	RootCmd.AddCommand(newCmdEdge())
	RootCmd.AddCommand(newCmdVersion())
}
