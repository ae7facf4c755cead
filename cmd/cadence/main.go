package main

import (
	"fmt"
	"os"

	"github.com/cadenceio/cadence/internal/cli"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "cadence"}

func main() {
	// Load .env if present; config falls back to defaults otherwise.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional, overrides config)")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
