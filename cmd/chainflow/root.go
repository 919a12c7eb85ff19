package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries the configuration resolved before any subcommand runs.
type cli struct {
	v          *viper.Viper
	configFile string
	cfg        Config
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "chainflow",
		Short:         "Billed workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.v, c.configFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "settings file (default ./settings.yaml or ~/.chainflow/settings.yaml)")
	flags.String("db-path", "", "libSQL database path")
	flags.String("ledger-dsn", "", "Postgres DSN for the credit ledger (default: libSQL ledger)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("trace", false, "export OpenTelemetry spans to stderr")
	_ = c.v.BindPFlag("db_path", flags.Lookup("db-path"))
	_ = c.v.BindPFlag("ledger_dsn", flags.Lookup("ledger-dsn"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("trace", flags.Lookup("trace"))

	root.AddCommand(
		newServeCmd(c),
		newMCPCmd(c),
		newCreditsCmd(c),
		newCredentialCmd(c),
		newVersionCmd(),
	)
	return root
}
