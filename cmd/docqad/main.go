package main

import (
	"fmt"
	"os"

	"github.com/cloo-solutions/docqa/internal/cli"
	"github.com/cloo-solutions/docqa/internal/cli/admin"
	"github.com/cloo-solutions/docqa/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "docqad",
		Short: "docqa server and local pipeline commands",
		Long: `docqad runs the document question answering API and drives the
pipeline directly against the configured vector store.

Configuration is read from DOCQA_* environment variables and .env.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	config.RegisterPipelineFlags(rootCmd.PersistentFlags())
	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(admin.ServeCmd())
	rootCmd.AddCommand(admin.IngestCmd())
	rootCmd.AddCommand(admin.AskCmd())
	rootCmd.AddCommand(admin.ResetCmd())
	rootCmd.AddCommand(admin.SnapshotCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if handled, err := cli.HandleHelpJSON(rootCmd, os.Args[1:], os.Stdout); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
