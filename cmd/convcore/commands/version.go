package commands

import (
	"fmt"

	"github.com/bookwave/convcore/version"

	"github.com/spf13/cobra"
)

// NewVersionCommand prints build version information
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetVersionInfo().String())
		},
	}
}
