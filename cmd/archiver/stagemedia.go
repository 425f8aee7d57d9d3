package main

import (
	"archiver/internal/pipeline"

	"github.com/spf13/cobra"
)

var stageMediaCmd = &cobra.Command{
	Use:   "stage-media PATH",
	Short: "Stage every file under a directory as one device",
	Long: `stage-media stages the files under PATH into the staging area, named after
the directory. Nothing is uploaded; a later run or upload picks them up.`,
	Args: cobra.ExactArgs(1),
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

		name, n, err := pipeline.StageDirectory(ctx, e.logger, e.area, args[0])
		if err != nil {
			return err
		}
		e.logger.Printf("[stage] %d files from %s staged as %q", n, args[0], name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stageMediaCmd)
}
