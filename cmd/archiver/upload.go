package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"archiver/internal/worker"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	sweep    bool
	sweepAge time.Duration
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload what is already staged, without looking for devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		unlock, err := e.lock()
		if err != nil {
			return err
		}
		defer unlock()

		if sweep {
			orphans, err := e.area.Sweep(sweepAge, true)
			if err != nil {
				return err
			}
			for _, o := range orphans {
				e.logger.Printf("[upload] removed orphan %s (%s, %s)", o.Path, humanize.Bytes(uint64(o.Size)), humanize.Time(o.ModTime))
			}
		}

		ads, closeAll, err := adaptors(ctx, e.logger, e.cfg)
		if err != nil {
			return err
		}
		defer closeAll()

		rep, err := worker.New(e.logger, e.area, ads, worker.Config{
			Retries: e.cfg.Upload.Retries,
			Backoff: e.cfg.Upload.Backoff,
			Workers: e.cfg.Upload.Workers,
		}).Run(ctx)
		if rep != nil {
			fmt.Fprint(os.Stdout, rep.Plaintext())
		}
		if errors.Is(err, worker.ErrNoAdaptors) {
			e.logger.Printf("[upload] %v: staged files kept", err)
			return nil
		}
		return err
	},
}

func init() {
	addUploadFlags(uploadCmd)
	uploadCmd.Flags().BoolVar(&sweep, "sweep", false, "first delete staged content that has no manifest")
	uploadCmd.Flags().DurationVar(&sweepAge, "sweep-age", time.Hour, "only sweep files older than this")
	rootCmd.AddCommand(uploadCmd)
}
