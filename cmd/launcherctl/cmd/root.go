// Package cmd provides the CLI commands for launcherctl
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/prism-data/pattern-launcher/cmd/launcherctl/internal/config"
	"github.com/prism-data/pattern-launcher/pkg/control"
)

var (
	cfg     *config.Config
	natsURL string
	jsonOut bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "launcherctl",
	Short: "Manage the Prism pattern launcher",
	Long: `launcherctl is the command-line interface for the pattern launcher.

It talks to the launcher control API over NATS to launch, inspect and
terminate pattern processes.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if natsURL != "" {
			cfg.Launcher.NatsURL = natsURL
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = "0.1.0"
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON responses")
}

// withClient dials the launcher and runs fn with a bounded context.
func withClient(fn func(ctx context.Context, c *control.Client) error) error {
	c, err := control.Connect(cfg.Launcher.NatsURL)
	if err != nil {
		return err
	}
	defer c.Close()

	timeout := time.Duration(cfg.Launcher.Timeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return fn(ctx, c)
}
