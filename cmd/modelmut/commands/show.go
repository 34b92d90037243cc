package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kkurt/erwin-addin-sub001/pkg/engine"
	"github.com/kkurt/erwin-addin-sub001/pkg/providers/modelfile"
)

func newShowCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "show <locator>",
		Short: "List the objects in a model document",
		Example: `  modelmut show ./models/sales.yaml
  modelmut show ./models/sales.yaml --kind Entity --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := engine.ParseHandle(args[0])
			if err != nil {
				return err
			}
			m, err := modelfile.Load(h.Path())
			if err != nil {
				return err
			}

			objects := m.Objects
			if kind != "" {
				objects = objects[:0:0]
				for _, o := range m.Objects {
					if o.Kind == kind {
						objects = append(objects, o)
					}
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(objects)
			}

			fmt.Fprintf(out, "Model %q (%d objects)\n\n", m.Name, len(objects))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tNAME\tPROPERTIES")
			for _, o := range objects {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.ID, o.Kind, o.Name(), formatProperties(o.Properties))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "only list objects of this kind")

	return cmd
}

func formatProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		if k != engine.DefaultAttributeName {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, props[k]))
	}
	return strings.Join(parts, " ")
}
