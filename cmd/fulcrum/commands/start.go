package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BamaHodl/Fulcrum/node"
)

// StartCmd runs the node until interrupted.
var StartCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"run"},
	Short:   "Run the header index and server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		n, err := node.New(cfg, logger)
		if err != nil {
			return err
		}

		if err := n.Start(ctx); err != nil {
			return err
		}
		defer func() {
			cancel()
			if n.IsRunning() {
				n.Stop()
			}
			n.Wait()
		}()

		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	},
}
