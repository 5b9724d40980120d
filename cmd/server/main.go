package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "lazythumb",
		Short: "Aspect-correct image transformation for lazy-loading front ends",
		Long: "Lazythumb serves cropped and resized images with a placeholder fallback.\n" +
			"Configuration comes from an optional config file and LAZYTHUMB_* environment variables.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (TOML, YAML or JSON)")

	rootCmd.AddCommand(newServeCommand(&configFile))
	rootCmd.AddCommand(newCleanupCommand(&configFile))
	rootCmd.AddCommand(newWarmCommand(&configFile))
	rootCmd.AddCommand(newProvidersCommand(&configFile))
	rootCmd.AddCommand(newUsageCommand(&configFile))
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
