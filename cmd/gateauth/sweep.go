package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func sweepCmd(g *globalFlags) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired refresh tokens and challenges",
		Long: `Sweep deletes expired refresh tokens, fully expired families and expired
challenges. With --interval it keeps running until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, logger, err := loadFile(g)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, f, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if interval <= 0 {
				res, err := a.engine.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d refresh tokens, %d families, %d challenges\n",
					res.RefreshTokens, res.Families, res.Challenges)
				return nil
			}
			runSweeps(ctx, a, interval)
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat every interval until interrupted")
	return cmd
}

func runSweeps(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := a.engine.Sweep(ctx)
			if err != nil {
				a.logger.Warn("sweep failed", "error", err)
				continue
			}
			a.logger.Info("sweep", "removed", res.Total())
		}
	}
}
