package main

import (
	"log"

	"github.com/spf13/cobra"

	sidecarcli "github.com/amirimatin/grid-sidecar/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "devgrid",
		Short:         "reference data grid node with an embedded sidecar",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(sidecarcli.NewDevgridRunCmd())
	root.AddCommand(sidecarcli.NewProbeCmd())
	return root
}
