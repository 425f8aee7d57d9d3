package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"archiver/internal/device"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached devices, configured or not",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		deps := device.DefaultDeps(logger, cfg.MountRoot)
		found, err := device.Discover(ctx, &cfg, deps)
		if err != nil {
			return err
		}
		extra, err := device.Unclaimed(ctx, &cfg, deps)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tDETAIL")
		for _, d := range found {
			fmt.Fprintf(w, "%s\t%s\t%v\n", d.Name(), d.Kind(), d)
		}
		for _, u := range extra {
			fmt.Fprintf(w, "%s\tunconfigured\t%s label=%q (id from %s)\n", u.Suggested, u.DevName, u.Label, u.Source)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
