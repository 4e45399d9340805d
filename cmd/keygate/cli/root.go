package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/config"
)

var (
	cfgFile    string
	appVersion string // set in Execute, reported by serve and the OpenAPI document
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygate",
		Short: "Issue, validate and meter API keys",
		Long: `Keygate: API key issuance, validation, and admission control.

Keygate issues hashed API keys bound to a role (user, admin, superadmin), validates
them for your services, and enforces a per-key daily quota and per-minute rate limit.
It runs as an HTTP service, a CLI over the same store, and an MCP server for agents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keygate.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "data directory for the SQLite store (default: ~/.keygate)")
	cmd.PersistentFlags().String("driver", "", "store driver: sqlite, postgres or mysql")
	cmd.PersistentFlags().String("dsn", "", "store DSN for postgres or mysql")
	viper.BindPFlag("store.data_dir", cmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("store.driver", cmd.PersistentFlags().Lookup("driver"))
	viper.BindPFlag("store.dsn", cmd.PersistentFlags().Lookup("dsn"))

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// initConfig layers configuration: defaults, then keygate.yaml, then a .env
// file, then KEYGATE_* environment variables, then flags.
func initConfig() {
	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	config.Bind(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("keygate")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.keygate")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: config: %v\n", err)
		}
	}
}
