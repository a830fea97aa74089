package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/prism-data/pattern-launcher/pkg/control"
)

var (
	listPattern   string
	listNamespace string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pattern processes",
	Long:  `List tracked pattern processes, including recently failed ones.`,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listPattern, "pattern", "", "Filter by pattern name")
	listCmd.Flags().StringVar(&listNamespace, "namespace", "", "Filter by namespace")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		resp, err := c.List(ctx, control.ListRequest{
			PatternName: listPattern,
			Namespace:   listNamespace,
		})
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(resp)
		}

		if len(resp.Processes) == 0 {
			fmt.Println("No processes")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROCESS ID\tPATTERN\tSTATE\tHEALTHY\tADDRESS\tRESTARTS")
		for _, p := range resp.Processes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%d\n",
				p.ProcessID, p.PatternName, p.State, p.Healthy, p.Address, p.RestartCount)
		}
		return w.Flush()
	})
}
