package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidahmann/afu9/internal/adapters"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/playbook"
	"github.com/davidahmann/afu9/internal/remediation"
)

func newPlaybookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "playbook",
		Short: "Inspect playbook definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <dir>",
		Short: "Parse every playbook in dir against the built-in actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := validationCatalog()
			if err != nil {
				return err
			}
			if err := cat.LoadDir(args[0]); err != nil {
				return err
			}
			for _, def := range cat.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version=%s steps=%d hash=%s\n", def.ID, def.Version, len(def.Steps), def.Hash)
			}
			return nil
		},
	})
	return cmd
}

// validationCatalog knows every built-in action but never executes one.
func validationCatalog() (*playbook.Catalog, error) {
	reg := playbook.NewRegistry()
	if err := reg.Register(playbook.ActionHTTPCheck, playbook.NewHTTPCheck(nil, 0)); err != nil {
		return nil, err
	}
	if err := remediation.Register(reg, remediation.Deps{
		ECS:   adapters.Unconfigured{},
		Store: ledger.NewInMemoryStore(),
	}); err != nil {
		return nil, err
	}
	return playbook.NewCatalog(reg), nil
}
