package main

import (
	"context"
	"os"

	"archiver/internal/device"
	"archiver/internal/pipeline"
	"archiver/internal/worker"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stage every attached device, then upload everything staged",
	Long: `Run is what cron or a udev trigger calls. It takes the staging lock, stages
the configured devices that are attached, uploads the staging area to every
configured backend, prints a report and mails it if a mailer is configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		ads, closeAll, err := adaptors(ctx, e.logger, e.cfg)
		if err != nil {
			return err
		}
		defer closeAll()

		deps := device.DefaultDeps(e.logger, e.cfg.MountRoot)
		notifier, mailer := notifiers(e.cfg)
		_, err = pipeline.Run(ctx, pipeline.Deps{
			Logger: e.logger,
			Area:   e.area,
			Discover: func(ctx context.Context) ([]device.Device, error) {
				return device.Discover(ctx, &e.cfg, deps)
			},
			Adaptors: ads,
			Upload: worker.Config{
				Retries: e.cfg.Upload.Retries,
				Backoff: e.cfg.Upload.Backoff,
				Workers: e.cfg.Upload.Workers,
			},
			Notifier: notifier,
			Mailer:   mailer,
			Out:      os.Stdout,
			NoLock:   noLock,
		})
		return err
	},
}

func init() {
	addUploadFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}
