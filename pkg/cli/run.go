package cli

import (
	"context"
	"errors"
	"log"

	"github.com/spf13/cobra"

	"github.com/amirimatin/grid-sidecar/pkg/bootstrap"
	"github.com/amirimatin/grid-sidecar/pkg/config"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/observability/tracing"
)

// NewRunCmd returns the "run" command that starts a standalone sidecar
// next to a grid member reachable over a remote management adapter.
func NewRunCmd() *cobra.Command {
	var (
		sf sidecarFlags
		mf mgmtFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sidecar control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := sf.load(cmd.Flags())
			if err != nil {
				return err
			}
			mf.apply(cmd.Flags(), &cfg)
			// the standalone binary has no in-process grid
			if cfg.Management.Proto == config.ProtoLocal {
				cfg.Management.Proto = config.ProtoHTTP
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runSidecar(ctx, cfg, bootstrap.Options{})
		},
	}
	sf.register(cmd.Flags())
	mf.register(cmd.Flags())
	return cmd
}

// runSidecar sets up tracing, builds the sidecar and runs it until ctx is
// done.
func runSidecar(ctx context.Context, cfg config.Config, opts bootstrap.Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	shutdown, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		logutil.Warnf(logger, "tracing setup error: %v", err)
	} else {
		defer func() { _ = shutdown(context.Background()) }()
	}
	opts.Config, opts.Logger = cfg, logger
	sc, err := bootstrap.Build(opts)
	if err != nil {
		return err
	}
	if err := sc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
