// Package main is the unigate CLI: the gateway server plus operational
// commands for accounts, history migration, and configuration tooling.
//
// Start the server:
//
//	unigate serve --config unigate.yaml
//
// Manage browser accounts:
//
//	unigate user create alice@example.com --role admin
//	unigate user list
//
// Rebuild conversation boundaries for pre-conversation history:
//
//	unigate migrate-conversations --dry-run
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "unigate",
		Short:         "Multi-channel conversational gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildUserCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath honors the UNIGATE_CONFIG environment variable when
// the flag was left at its default.
func resolveConfigPath(flagValue string) string {
	if flagValue != defaultConfigPath {
		return flagValue
	}
	if env := os.Getenv("UNIGATE_CONFIG"); env != "" {
		return env
	}
	return flagValue
}

const defaultConfigPath = "unigate.yaml"

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("unigate", version)
		},
	}
}
