package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidahmann/afu9/internal/ledger/ledgerdb"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded ledger schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := ledgerdb.Open(cmd.Context(), v.GetString("db.driver"), v.GetString("db.dsn"), true)
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()
			out := cmd.OutOrStdout()
			for _, version := range h.Applied {
				fmt.Fprintf(out, "applied %s\n", version)
			}
			fmt.Fprintf(out, "migrated driver=%s applied=%d\n", h.Driver, len(h.Applied))
			return nil
		},
	}
}
