package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"archiver/internal/config"
	"archiver/internal/staging"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"

	configPath string
	noLock     bool
	verbose    bool
	retries    int
	workers    int
)

var rootCmd = &cobra.Command{
	Use:     "archiver",
	Short:   "Archive footage from capture devices to cloud storage",
	Version: Version,
	Long: `archiver stages files from attached cameras, cards and loggers into a local
staging directory, then uploads everything staged to every configured backend.
Local copies are deleted only once every backend holds them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "archiver.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&noLock, "no-lock", false, "don't take the staging lock (only when no other run can be active)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log source locations")
}

// addUploadFlags registers the flags that override the upload section of the config.
func addUploadFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&retries, "retries", 0, "attempts per backend per file (overrides upload.retries)")
	cmd.Flags().IntVar(&workers, "workers", 0, "files uploaded at once (overrides upload.workers)")
}

func newLogger() *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds
	if verbose {
		flags |= log.Lshortfile
	}
	return log.New(os.Stdout, "", flags)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if retries > 0 {
		cfg.Upload.Retries = retries
	}
	if workers > 0 {
		cfg.Upload.Workers = workers
	}
	return cfg, cfg.Validate()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// env is what every command needs: logger, config and the staging area.
type env struct {
	logger *log.Logger
	cfg    config.Config
	area   *staging.Area
}

func setup() (*env, error) {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	area, err := staging.Open(cfg.StagingDir, logger)
	if err != nil {
		return nil, err
	}
	return &env{logger: logger, cfg: cfg, area: area}, nil
}

// lock takes the staging lock unless --no-lock was given.
func (e *env) lock() (func(), error) {
	if noLock {
		return func() {}, nil
	}
	l, err := e.area.Lock()
	if err != nil {
		return nil, err
	}
	return func() {
		if err := l.Release(); err != nil {
			e.logger.Printf("release lock: %v", err)
		}
	}, nil
}
