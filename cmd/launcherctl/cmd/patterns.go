package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/prism-data/pattern-launcher/pkg/control"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List available patterns",
	Long:  `List the pattern manifests the launcher has discovered.`,
	RunE:  runPatterns,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload pattern manifests",
	Long: `Re-scan the patterns directory for manifests.

Running processes keep the manifest they were launched with.`,
	RunE: runReload,
}

func init() {
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(reloadCmd)
}

func runPatterns(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		resp, err := c.Patterns(ctx)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(resp)
		}

		if len(resp.Patterns) == 0 {
			fmt.Println("No patterns discovered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tISOLATION\tDESCRIPTION")
		for _, p := range resp.Patterns {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				p.Name, p.Version, p.IsolationLevel, p.Description)
		}
		return w.Flush()
	})
}

func runReload(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		resp, err := c.Reload(ctx)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(resp)
		}

		if !resp.Success {
			return fmt.Errorf("reload failed: %s", resp.Error)
		}
		fmt.Printf("Reloaded manifests: %d patterns known\n", resp.PatternsKnown)
		return nil
	})
}
