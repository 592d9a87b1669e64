package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flagstream/edge/pkg/version"
)

func newCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the edge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}
