// Package pipeline is one archiver run: find devices, stage them, upload
// everything staged, and tell someone how it went.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"archiver/internal/device"
	"archiver/internal/notify"
	"archiver/internal/report"
	"archiver/internal/staging"
	"archiver/internal/storage"
	"archiver/internal/worker"
)

type Deps struct {
	Logger   *log.Logger
	Area     *staging.Area
	Discover func(ctx context.Context) ([]device.Device, error)
	Adaptors []storage.Adaptor
	Upload   worker.Config
	Notifier notify.Notifier
	Mailer   notify.Mailer
	// Out receives the rendered report.
	Out io.Writer
	// NoLock skips the staging lock, for manual runs next to a cron one that is known idle.
	NoLock bool
}

// Run returns an error only for fatal conditions: the staging area is locked or
// unreadable, or the USB bus could not be listed. Per-device and per-file
// failures are logged and end up in the report.
func Run(ctx context.Context, d Deps) (*report.Report, error) {
	if d.Notifier == nil {
		d.Notifier = notify.None{}
	}
	if d.Mailer == nil {
		d.Mailer = notify.None{}
	}

	if !d.NoLock {
		lock, err := d.Area.Lock()
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				d.Logger.Printf("[run] release lock: %v", err)
			}
		}()
	}

	devices, err := d.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover devices: %w", err)
	}

	attached := len(devices) > 0
	maybeNotify := func(msg string) {
		if !attached {
			d.Logger.Printf("[run] not sending %q: no devices attached", msg)
			return
		}
		if err := d.Notifier.Notify(ctx, msg); err != nil {
			d.Logger.Printf("[run] push notification failed: %v", err)
		}
	}

	maybeNotify("Starting upload")

	d.Logger.Printf("[run] %d attached devices", len(devices))
	for _, dev := range devices {
		d.Logger.Printf("[run]   %s", dev)
	}
	for _, ad := range d.Adaptors {
		d.Logger.Printf("[run] backend %s", ad.Name())
	}
	d.Logger.Printf("[run] staging to %s", d.Area.Dir())

	for _, dev := range devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := dev.StageFiles(ctx, d.Area); err != nil {
			// whatever was staged before the failure still gets uploaded below
			d.Logger.Printf("[run] staging %s failed: %v", dev.Name(), err)
			maybeNotify(fmt.Sprintf("Failed staging: %s", dev.Name()))
			continue
		}
		maybeNotify(fmt.Sprintf("Finished staging: %s", dev.Name()))
	}

	rep, err := worker.New(d.Logger, d.Area, d.Adaptors, d.Upload).Run(ctx)
	text := rep.Plaintext()
	if d.Out != nil {
		fmt.Fprintln(d.Out, text)
	}
	switch {
	case errors.Is(err, worker.ErrNoAdaptors):
		d.Logger.Printf("[run] %v: staged files stay put", err)
	case err != nil:
		return rep, fmt.Errorf("upload: %w", err)
	}

	maybeNotify("Finished uploading media")

	if attached || len(rep.Entries()) > 0 {
		receipt, err := d.Mailer.SendReport(ctx, text)
		if err != nil {
			d.Logger.Printf("[run] mailing report failed: %v", err)
		} else if receipt != "" {
			d.Logger.Printf("[run] report mailed (%s)", receipt)
		}
	} else {
		d.Logger.Printf("[run] not mailing report: no work was scheduled")
	}
	return rep, nil
}
