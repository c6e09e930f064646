package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/clusterstats/internal/service"
)

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "List cluster labels and cell counts from the metadata table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		svc, err := service.New(cfg)
		if err != nil {
			return err
		}
		clusters, err := svc.Clusters("")
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CLUSTER\tCELLS")
		for _, c := range clusters {
			fmt.Fprintf(tw, "%s\t%d\n", c.Cluster, c.Cells)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(clustersCmd)
}
