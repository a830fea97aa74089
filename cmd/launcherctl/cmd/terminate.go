package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prism-data/pattern-launcher/pkg/control"
)

var terminateGrace int64

var terminateCmd = &cobra.Command{
	Use:   "terminate <process-id>",
	Short: "Terminate a pattern process",
	Long: `Gracefully terminate a pattern process.

The process receives SIGTERM and has the grace period to exit before
it is killed.`,
	Args: cobra.ExactArgs(1),
	RunE: runTerminate,
}

func init() {
	terminateCmd.Flags().Int64Var(&terminateGrace, "grace-period", 0, "Grace period in seconds (0 uses the launcher default)")
	rootCmd.AddCommand(terminateCmd)
}

func runTerminate(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		resp, err := c.Terminate(ctx, control.TerminateRequest{
			ProcessID:       args[0],
			GracePeriodSecs: terminateGrace,
		})
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(resp)
		}

		if !resp.Success {
			return fmt.Errorf("terminate failed: %s", resp.Error)
		}
		fmt.Printf("Terminated %s\n", args[0])
		return nil
	})
}
