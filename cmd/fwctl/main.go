// fwctl is the FossaWork operator CLI. It talks to a fossaworkd
// instance over FWP and covers the day-to-day operations: submitting
// inspection jobs, watching live progress, cancelling, and listing.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fossawork/fossawork/client"
)

var version = "dev"

var (
	serverURL  string
	authToken  string
	wireFormat string
	timeout    time.Duration
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "fwctl",
		Short:   "FossaWork operator CLI",
		Long:    "fwctl submits, watches, cancels, and lists automation jobs on a fossaworkd server.",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("FWCTL_SERVER", "ws://localhost:8420/fwp"), "server WebSocket URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("FWCTL_TOKEN"), "API token")
	rootCmd.PersistentFlags().StringVar(&wireFormat, "format", "json", "wire codec: json or msgpack")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")

	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildGetCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildStatsCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// dial connects to the server. Callers are responsible for Disconnect.
func dial(cmd *cobra.Command) (*client.Client, error) {
	c := client.New(serverURL,
		client.WithToken(authToken),
		client.WithFormat(wireFormat),
	)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", serverURL, err)
	}
	return c, nil
}

// opContext returns the context used for a single request.
func opContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
