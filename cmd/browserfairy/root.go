package main

import (
	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "browserfairy",
		Short: "Continuous performance-observation agent for Chromium-family browsers",
		Long: "browserfairy attaches to a running browser's debugging protocol, discovers\n" +
			"every page target, and continuously writes per-host memory, GC, network,\n" +
			"console, storage, and heap-allocation telemetry to newline-delimited JSON.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.yaml (default: state dir)")

	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newDoctorCmd(&cfgPath))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the browserfairy version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(version)
			return nil
		},
	}
}
