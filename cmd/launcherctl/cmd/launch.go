package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/prism-data/pattern-launcher/pkg/control"
)

var (
	launchIsolation string
	launchNamespace string
	launchSession   string
	launchConfig    []string
)

var launchCmd = &cobra.Command{
	Use:   "launch <pattern>",
	Short: "Launch a pattern process",
	Long: `Launch a pattern process under the requested isolation scope.

Launching a pattern whose isolation key already maps to a running
process returns the existing process instead of starting another.`,
	Args: cobra.ExactArgs(1),
	RunE: runLaunch,
}

func init() {
	launchCmd.Flags().StringVar(&launchIsolation, "isolation", "", "Isolation level (none, namespace, session); defaults to the manifest")
	launchCmd.Flags().StringVar(&launchNamespace, "namespace", "", "Namespace for NAMESPACE or SESSION isolation")
	launchCmd.Flags().StringVar(&launchSession, "session", "", "Session ID for SESSION isolation")
	launchCmd.Flags().StringArrayVar(&launchConfig, "set", nil, "Extra config passed to the process as KEY=VALUE (repeatable)")
	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	extra := make(map[string]string, len(launchConfig))
	for _, kv := range launchConfig {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --set value %q, expected KEY=VALUE", kv)
		}
		extra[k] = v
	}

	return withClient(func(ctx context.Context, c *control.Client) error {
		resp, err := c.Launch(ctx, control.LaunchRequest{
			PatternName: args[0],
			Isolation:   launchIsolation,
			Namespace:   launchNamespace,
			SessionID:   launchSession,
			Config:      extra,
		})
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(resp)
		}

		p := resp.Process
		fmt.Printf("Launched %s\n", p.PatternName)
		fmt.Printf("  Process ID: %s\n", p.ProcessID)
		fmt.Printf("  State:      %s\n", p.State)
		fmt.Printf("  Address:    %s\n", p.Address)
		fmt.Printf("  Isolation:  %s\n", p.Isolation)
		if p.RestartCount > 0 {
			fmt.Printf("  Restarts:   %d\n", p.RestartCount)
		}
		return nil
	})
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
