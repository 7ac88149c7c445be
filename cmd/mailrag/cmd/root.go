// Package cmd provides the CLI commands for mailrag.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/inboxlab/mailrag/pkg/version"
)

var configPath string

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailrag",
		Short: "Email-driven hybrid retrieval service",
		Long: `mailrag indexes incoming mail into per-collection hybrid indexes
(dense vectors plus BM25) and answers question mails through
retrieve, rerank and generate. An authenticated HTTP API exposes
ingest, search, chat and collection management.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("mailrag version {{.Version}}\n")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}
