package main

import (
	"context"
	"fmt"
	"io"
	"log"

	"archiver/internal/archive"
	"archiver/internal/config"
	"archiver/internal/gcs"
	"archiver/internal/notify"
	"archiver/internal/storage"
	"archiver/internal/storage/dropbox"
	"archiver/internal/store"
)

// adaptors builds every configured backend. The returned closer releases clients and the catalog.
func adaptors(ctx context.Context, logger *log.Logger, cfg config.Config) ([]storage.Adaptor, func(), error) {
	var (
		out     []storage.Adaptor
		closers []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Printf("close backend: %v", err)
			}
		}
	}

	if c := cfg.Dropbox; c != nil {
		a, err := dropbox.New(ctx, logger, dropbox.Credentials{
			AccessToken:  string(c.AccessToken),
			AppKey:       c.AppKey,
			AppSecret:    string(c.AppSecret),
			RefreshToken: string(c.RefreshToken),
		}, c.Root)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		out = append(out, a)
	}

	if c := cfg.GCS; c != nil {
		gcsCfg := gcs.Config{Bucket: c.Bucket, Prefix: c.Prefix, CredentialsFile: c.CredentialsFile}
		client, err := gcs.NewClient(ctx, gcsCfg)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		closers = append(closers, client)
		out = append(out, gcs.New(logger, client, gcsCfg.Bucket, gcsCfg.Prefix))
	}

	if c := cfg.Archive; c != nil {
		db, err := store.Open(c.Catalog)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, db)
		a, err := archive.New(logger, db, c.Root)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		out = append(out, a)
	}

	return out, closeAll, nil
}

func notifiers(cfg config.Config) (notify.Notifier, notify.Mailer) {
	var (
		n notify.Notifier = notify.None{}
		m notify.Mailer   = notify.None{}
	)
	if c := cfg.Pushover; c != nil {
		n = notify.NewPushover(string(c.Token), string(c.User))
	}
	if c := cfg.Sendgrid; c != nil {
		m = notify.NewSendgrid(string(c.APIKey), c.From, c.To, c.Subject)
	}
	return n, m
}
