// Command afu9ctl is the operator CLI: it checks and activates lawbooks,
// validates playbooks, evaluates verification bundles, migrates the ledger
// and drives lifecycle runs on a running gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// errSilent marks failures whose output has already been written.
var errSilent = errors.New("silent failure")

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	root := newRootCmd(viper.New())
	root.SetArgs(args[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintln(stderr, "error:", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "afu9ctl",
		Short:         "AFU-9 control-plane operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v)
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "path to afu9 config file (AFU9_CONFIG_PATH)")
	pf.String("db-driver", "", "ledger driver: memory, sqlite or postgres (AFU9_DB_DRIVER)")
	pf.String("db-dsn", "", "ledger DSN (AFU9_DB_DSN)")
	_ = v.BindPFlag("config_path", pf.Lookup("config"))
	_ = v.BindPFlag("db.driver", pf.Lookup("db-driver"))
	_ = v.BindPFlag("db.dsn", pf.Lookup("db-dsn"))

	v.SetEnvPrefix("AFU9")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("addr", defaultAddr)

	root.AddCommand(
		newLawbookCmd(v),
		newPlaybookCmd(),
		newVerdictCmd(),
		newMigrateCmd(v),
		newRunCmd(v),
	)
	return root
}

// loadConfig merges the optional YAML config file under flags and env.
func loadConfig(v *viper.Viper) error {
	path := v.GetString("config_path")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "AFU-9 CLI")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  afu9ctl lawbook check <file>")
	fmt.Fprintln(w, "  afu9ctl lawbook activate <file> [--db-driver sqlite --db-dsn <dsn>]")
	fmt.Fprintln(w, "  afu9ctl playbook validate <dir>")
	fmt.Fprintln(w, "  afu9ctl verdict <bundle.json> [--json]")
	fmt.Fprintln(w, "  afu9ctl migrate [--db-driver sqlite --db-dsn <dsn>]")
	fmt.Fprintln(w, "  afu9ctl run start <issue_id> [--addr URL] [--token TOKEN]")
	fmt.Fprintln(w, "  afu9ctl run advance <run_id> [--dry-run] [--addr URL] [--token TOKEN]")
}
