package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidahmann/afu9/internal/lawbook"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/ledger/ledgerdb"
)

var nowFn = time.Now

func newLawbookCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lawbook",
		Short: "Check and activate lawbooks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Parse a lawbook and print its identity and hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := lawbook.Load(args[0])
			if err != nil {
				return err
			}
			printLawbook(cmd, loaded)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "activate <file>",
		Short: "Store a lawbook version in the ledger and make it active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := lawbook.Load(args[0])
			if err != nil {
				return err
			}
			driver, err := ledger.ParseDriver(v.GetString("db.driver"))
			if err != nil {
				return err
			}
			if driver == ledger.DBMemory {
				return fmt.Errorf("activate needs a persistent ledger; set --db-driver and --db-dsn")
			}
			h, err := ledgerdb.Open(cmd.Context(), string(driver), v.GetString("db.dsn"), true)
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()
			if err := lawbook.Publish(cmd.Context(), h.Store, loaded, true, nowFn()); err != nil {
				return err
			}
			printLawbook(cmd, loaded)
			fmt.Fprintln(cmd.OutOrStdout(), "active=true")
			return nil
		},
	})
	return cmd
}

func printLawbook(cmd *cobra.Command, loaded lawbook.Loaded) {
	fmt.Fprintf(cmd.OutOrStdout(), "lawbook_id=%s lawbook_version=%s hash=%s policies=%d\n",
		loaded.Lawbook.LawbookID, loaded.Lawbook.LawbookVersion, loaded.Hash, len(loaded.Lawbook.Policies))
}
