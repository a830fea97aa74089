package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prism-data/pattern-launcher/pkg/control"
)

var healthProcesses bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check launcher health",
	Long:  `Check the health status of the pattern launcher.`,
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().BoolVar(&healthProcesses, "processes", false, "Include the process list")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		resp, err := c.Health(ctx, healthProcesses)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(resp)
		}

		status := "healthy"
		if !resp.Healthy {
			status = "unhealthy"
		}
		fmt.Printf("Launcher is %s\n", status)
		fmt.Printf("  Uptime:      %ds\n", resp.UptimeSeconds)
		fmt.Printf("  Patterns:    %d\n", resp.PatternsKnown)
		fmt.Printf("  Processes:   %d total, %d running, %d starting, %d terminating, %d failed\n",
			resp.Total, resp.Running, resp.Starting, resp.Terminating, resp.Failed)
		for level, count := range resp.ByIsolation {
			fmt.Printf("  Isolation %s: %d\n", level, count)
		}
		for _, p := range resp.Processes {
			fmt.Printf("    %s (%s) %s healthy=%v\n", p.ProcessID, p.PatternName, p.State, p.Healthy)
		}
		return nil
	})
}
