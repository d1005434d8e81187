package main

import (
	"errors"
	"log"
	"os"

	"github.com/spf13/cobra"

	sidecarcli "github.com/amirimatin/grid-sidecar/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		// probe failures are an exit code, not a crash
		if errors.Is(err, sidecarcli.ErrProbeFailed) {
			log.Print(err)
			os.Exit(1)
		}
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "gridsidecar",
		Short:         "health, readiness and suspension sidecar for data grid members",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	sidecarcli.AddAll(root)
	return root
}
