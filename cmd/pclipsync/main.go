// pclipsync: bidirectional X11 clipboard sync between two hosts over a
// Unix domain socket, meant to be carried by an SSH reverse tunnel.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go.klb.dev/pclipsync/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

// errUsage marks a flag/argument validation failure, mapped to exit code 2
// per spec.md §4.F/§7's UsageError, distinct from a runtime failure (1).
var errUsage = errors.New("usage error")

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "pclipsync",
		Short: "Sync the X11 clipboard between two hosts over a Unix socket",
		Long: `pclipsync mirrors the CLIPBOARD and PRIMARY X selections between
exactly two hosts over a Unix domain socket, typically carried by an SSH
reverse tunnel (ssh -R).

Run "pclipsync server --socket PATH" on one end and
"pclipsync client --socket PATH" on the other.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServerCmd(), newClientCmd(), newVersionCmd())

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})
	for _, sub := range root.Commands() {
		if args := sub.Args; args != nil {
			sub.Args = func(c *cobra.Command, a []string) error {
				if err := args(c, a); err != nil {
					return fmt.Errorf("%w: %v", errUsage, err)
				}
				return nil
			}
		}
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("pclipsync %s\n", Version)
		},
	}
}

// setupLifecycleContext configures slog and returns a context cancelled on
// SIGINT/SIGTERM, per spec.md §4.F's SignalRequested handling.
func setupLifecycleContext(verbose bool) (context.Context, context.CancelFunc) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logging.Setup(logging.FormatAuto, level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, cancel
}

func requireSocketFlag(socket string) error {
	if socket == "" {
		return fmt.Errorf("%w: --socket is required", errUsage)
	}
	return nil
}

// isCleanDisconnect reports whether err is simply the peer closing its end
// of the connection, which both server and client treat as a normal
// termination rather than a failure.
func isCleanDisconnect(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
