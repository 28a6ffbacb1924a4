package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/internal/verdict"
	"github.com/davidahmann/afu9/pkg/types"
)

func newVerdictCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "verdict <bundle.json>",
		Short: "Evaluate a verification bundle; exits 1 on RED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// #nosec G304 -- operator-provided path.
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var bundle evidence.VerificationBundle
			if err := json.Unmarshal(raw, &bundle); err != nil {
				return fmt.Errorf("invalid bundle: %w", err)
			}
			v := verdict.Evaluate(bundle)
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(v); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "verdict=%s rationale=%q\n", v.Verdict, v.Rationale)
				if len(v.FailedChecks) > 0 {
					fmt.Fprintf(out, "failed_checks=%s\n", strings.Join(v.FailedChecks, ","))
				}
			}
			if v.Verdict != types.VerdictGreen {
				return errSilent
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the verdict as JSON")
	return cmd
}
