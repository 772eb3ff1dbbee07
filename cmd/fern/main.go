package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"

	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "fern",
		Short:         "Fern replicates third-party service data into per-tenant Postgres tables",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ddlCmd())
	rootCmd.AddCommand(typesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
