package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"ordinal-bus/internal/tools"
)

func (c *cli) newServeCmd() *cobra.Command {
	var sweepInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP tool server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if sweepInterval > 0 {
				sweeper, err := c.newSweeper(c.cfg.SweepGrace)
				if err != nil {
					return err
				}
				go func() {
					if err := sweeper.Run(ctx, sweepInterval); err != nil && !errors.Is(err, context.Canceled) {
						c.logger.Error("sweeper stopped", "err", err)
					}
				}()
			}

			c.logger.Info("ordinal bus serving",
				"location", c.cfg.Location(),
				"poll_interval", c.cfg.PollInterval,
				"sweep_interval", sweepInterval,
			)
			stdio := server.NewStdioServer(tools.NewServer(c.svc))
			stdio.SetErrorLogger(slog.NewLogLogger(c.logger.Handler(), slog.LevelError))
			err := stdio.Listen(ctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("mcp server stopped", "err", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 0, "Run the recovery sweeper at this interval (0 disables)")
	return cmd
}
