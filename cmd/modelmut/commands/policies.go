package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kkurt/erwin-addin-sub001/pkg/engine"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List request policies",
		Long: `List the built-in policies and those loaded from policy.paths.

Policies are written in Rego. A policy's deny rules produce violations;
violations of error or critical severity reject the request before the
document is opened, others are reported as warnings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			policies := a.policies.ListPolicies()
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(policies)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, p.Description)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(newPoliciesCheckCommand())
	return cmd
}

func newPoliciesCheckCommand() *cobra.Command {
	var kind, attribute string

	cmd := &cobra.Command{
		Use:   "check <value>",
		Short: "Evaluate a request against the policies without running it",
		Example: `  modelmut policies check "order"
  modelmut policies check "  padded" --kind View`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			req := engine.MutationRequest{TargetKind: kind, AttributeName: attribute, AttributeValue: args[0]}
			result, err := a.policies.EvaluateRequest(ctx, "", req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				for _, v := range result.Violations {
					fmt.Fprintf(out, "✗ %s\n", v)
				}
				for _, v := range result.Warnings {
					fmt.Fprintf(out, "! %s\n", v)
				}
				if result.Allowed {
					fmt.Fprintf(out, "✓ %s allowed (%d policies evaluated)\n", req, len(result.Evaluated))
				}
			}

			if !result.Allowed {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", engine.DefaultTargetKind, "kind of object")
	cmd.Flags().StringVarP(&attribute, "attribute", "a", engine.DefaultAttributeName, "attribute to set")
	return cmd
}
