package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prism-data/pattern-launcher/pkg/control"
)

var statusCmd = &cobra.Command{
	Use:   "status <process-id>",
	Short: "Show one pattern process",
	Long:  `Show the current status of a single pattern process by its ID.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		resp, err := c.Status(ctx, args[0])
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(resp)
		}

		if resp.NotFound {
			return fmt.Errorf("process %s not found", args[0])
		}

		p := resp.Process
		fmt.Printf("Process %s\n", p.ProcessID)
		fmt.Printf("  Pattern:    %s\n", p.PatternName)
		fmt.Printf("  Isolation:  %s\n", p.Isolation)
		if p.Namespace != "" {
			fmt.Printf("  Namespace:  %s\n", p.Namespace)
		}
		if p.SessionID != "" {
			fmt.Printf("  Session:    %s\n", p.SessionID)
		}
		fmt.Printf("  State:      %s\n", p.State)
		fmt.Printf("  Healthy:    %v\n", p.Healthy)
		fmt.Printf("  Address:    %s\n", p.Address)
		fmt.Printf("  Restarts:   %d\n", p.RestartCount)
		fmt.Printf("  Errors:     %d\n", p.ErrorCount)
		if p.LastError != "" {
			fmt.Printf("  Last error: %s\n", p.LastError)
		}
		if !p.StartedAt.IsZero() {
			fmt.Printf("  Started:    %s\n", p.StartedAt.Format("2006-01-02 15:04:05 MST"))
		}
		return nil
	})
}
