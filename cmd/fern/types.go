package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/replicator"
)

func typesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "types",
		Short: "List the registered service types",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			zl, logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = zl.Sync() }()

			registry, err := newRegistry(cfg, expressions.NewEvaluator(), logger)
			if err != nil {
				return err
			}

			descriptors := make([]replicator.Descriptor, 0)
			for _, t := range registry.List() {
				descriptors = append(descriptors, t.Descriptor())
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(descriptors)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tRESOURCE\tDEPENDS ON\tWEBHOOKS\tBACKFILL")
			for _, d := range descriptors {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", d.Name, d.ResourceName, d.DependsOn, d.SupportsWebhooks, d.SupportsBackfill)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}
