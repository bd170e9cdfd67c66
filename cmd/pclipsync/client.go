package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"go.klb.dev/pclipsync/internal/syncengine"
	"go.klb.dev/pclipsync/internal/transport"
	"go.klb.dev/pclipsync/internal/xselection"
)

func newClientCmd() *cobra.Command {
	var socket string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a pclipsync server and keep reconnecting",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := requireSocketFlag(socket); err != nil {
				return err
			}
			ctx, cancel := setupLifecycleContext(verbose)
			defer cancel()
			return runClient(ctx, socket)
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Unix domain socket path to connect to")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	return cmd
}

func runClient(ctx context.Context, socketPath string) error {
	adapter, err := xselection.Open()
	if err != nil {
		return fmt.Errorf("client: open X display: %w", err)
	}
	defer adapter.Close()

	if err := syncengine.SubscribeBoth(adapter); err != nil {
		return fmt.Errorf("client: subscribe to selections: %w", err)
	}

	session := syncengine.NewSession(adapter)
	client := transport.NewClient(socketPath)

	for {
		conn, err := client.Dial(ctx, session.ResetGuard)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("shutting down, signal received")
				return nil
			}
			return fmt.Errorf("client: dial: %w", err)
		}
		slog.Info("connected", "socket", socketPath)

		session.Attach(conn)
		engine := syncengine.NewEngine(session)
		runErr := engine.Run(ctx, adapter.Ticks())
		conn.Close()

		if ctx.Err() != nil || errors.Is(runErr, context.Canceled) {
			slog.Info("shutting down, signal received")
			return nil
		}
		if runErr != nil {
			slog.Warn("disconnected, reconnecting", "err", runErr)
			continue
		}
		slog.Warn("peer closed connection, reconnecting")
	}
}
