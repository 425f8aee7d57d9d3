package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and show what it configures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "staging:  %s\n", cfg.StagingDir)
		fmt.Fprintf(out, "devices:  %d gopro, %d mass storage, %d flysight\n",
			len(cfg.Gopros), len(cfg.MassStorages), len(cfg.Flysights))
		backends := cfg.Backends()
		if len(backends) == 0 {
			fmt.Fprintln(out, "backends: none (files will stay staged)")
		} else {
			fmt.Fprintf(out, "backends: %s\n", strings.Join(backends, ", "))
		}
		fmt.Fprintf(out, "upload:   %d attempts, %d workers, backoff %s\n",
			cfg.Upload.Retries, cfg.Upload.Workers, cfg.Upload.Backoff)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
