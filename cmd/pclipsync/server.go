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

func newServerCmd() *cobra.Command {
	var socket string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Listen for one client and sync the clipboard",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := requireSocketFlag(socket); err != nil {
				return err
			}
			ctx, cancel := setupLifecycleContext(verbose)
			defer cancel()
			return runServer(ctx, socket)
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Unix domain socket path to listen on")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	return cmd
}

func runServer(ctx context.Context, socketPath string) error {
	adapter, err := xselection.Open()
	if err != nil {
		return fmt.Errorf("server: open X display: %w", err)
	}
	defer adapter.Close()

	if err := syncengine.SubscribeBoth(adapter); err != nil {
		return fmt.Errorf("server: subscribe to selections: %w", err)
	}

	srv := transport.NewServer(socketPath)
	if err := srv.Listen(); err != nil {
		if errors.Is(err, transport.ErrSocketBusy) {
			return err
		}
		return fmt.Errorf("server: listen: %w", err)
	}
	defer srv.Close()

	slog.Info("listening", "socket", socketPath)

	conn, err := srv.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("shutting down, signal received")
			return nil
		}
		return fmt.Errorf("server: accept: %w", err)
	}
	defer conn.Close()
	slog.Info("peer connected", "addr", conn.RemoteAddr())

	session := syncengine.NewSession(adapter)
	session.ResetGuard()
	session.Attach(conn)

	engine := syncengine.NewEngine(session)
	if err := engine.Run(ctx, adapter.Ticks()); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			slog.Info("shutting down, signal received")
			return nil
		}
		if isCleanDisconnect(err) {
			slog.Info("peer disconnected")
			return nil
		}
		return fmt.Errorf("server: session: %w", err)
	}
	return nil
}
