package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"archiver/internal/model"
	"archiver/internal/report"
	"archiver/internal/staging"
	"archiver/internal/storage"

	"golang.org/x/sync/errgroup"
)

func (o *Orchestrator) runWorker(
	ctx context.Context,
	id string,
	manifests []string,
	entries []*report.Entry,
	jobs <-chan int,
	fail func(error),
) {
	for i := range jobs {
		if ctx.Err() != nil {
			continue
		}
		entry, err := o.process(ctx, id, manifests[i])
		if err != nil {
			o.logger.Printf("[%s] fatal reading %s: %v", id, manifests[i], err)
			fail(err)
			continue
		}
		entries[i] = entry
	}
}

// process handles one manifest. A returned error is fatal to the run; everything
// else ends up in the entry.
func (o *Orchestrator) process(ctx context.Context, id, manifest string) (*report.Entry, error) {
	entry := &report.Entry{ManifestPath: manifest}

	f, err := os.Open(manifest)
	if errors.Is(err, fs.ErrNotExist) {
		entry.SkipReason = "manifest disappeared"
		o.logger.Printf("[%s] skipping %s: %s", id, manifest, entry.SkipReason)
		return entry, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	desc, err := model.Decode(f)
	f.Close()
	if err != nil {
		if errors.Is(err, model.ErrInvalidDescriptor) {
			entry.SkipReason = err.Error()
			o.logger.Printf("[%s] skipping corrupt manifest %s: %v", id, manifest, err)
			return entry, nil
		}
		return nil, fmt.Errorf("read manifest %s: %w", manifest, err)
	}
	entry.Descriptor = desc

	content := staging.ContentPath(manifest)
	if _, err := os.Stat(content); err != nil {
		entry.SkipReason = fmt.Sprintf("content file unavailable: %v", err)
		o.logger.Printf("[%s] skipping %s: %s", id, desc, entry.SkipReason)
		return entry, nil
	}

	entry.Results = o.fanOut(ctx, id, content, desc)

	if entry.IsSuccess() {
		o.logger.Printf("[%s] removing %s", id, filepath.Base(content))
		if err := o.area.Remove(manifest); err != nil {
			// still pending; the next run takes the dedup path everywhere
			o.logger.Printf("[%s] cleanup of %s failed: %v", id, manifest, err)
		}
	} else {
		o.logger.Printf("[%s] one or more adaptors failed, preserving %s", id, filepath.Base(content))
	}
	return entry, nil
}

// fanOut runs every adaptor against one file in parallel. Results keep adaptor order.
func (o *Orchestrator) fanOut(ctx context.Context, id, content string, desc *model.UploadDescriptor) []report.Result {
	results := make([]report.Result, len(o.adaptors))

	var g errgroup.Group
	g.SetLimit(len(o.adaptors))
	for i, ad := range o.adaptors {
		g.Go(func() error {
			results[i] = o.upload(ctx, id, ad, content, desc)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// upload never panics: a misbehaving adaptor ends up Errored like any other failure.
func (o *Orchestrator) upload(ctx context.Context, id string, ad storage.Adaptor, content string, desc *model.UploadDescriptor) (res report.Result) {
	start := o.now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("adaptor panicked: %v", r)
			o.logger.Printf("[%s] %s: %v", id, res.Adaptor, err)
			res.Outcome = report.Errored
			res.Duration = o.now().Sub(start)
			res.Err = &UploadError{Adaptor: res.Adaptor, Descriptor: desc, Attempts: res.Attempts, Err: err}
		}
	}()
	res.Adaptor = ad.Name()

	o.logger.Printf("[%s] %s: checking for %s upstream", id, ad.Name(), desc)
	if ad.AlreadyUploaded(ctx, desc) {
		o.logger.Printf("[%s] %s: already uploaded, skipping", id, ad.Name())
		res.Outcome = report.AlreadyUploaded
		return res
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.Retries; attempt++ {
		if attempt > 1 && o.cfg.Backoff > 0 {
			if err := o.sleep(ctx, backoffDelay(o.cfg.Backoff, attempt)); err != nil {
				lastErr = err
				break
			}
		}
		res.Attempts = attempt

		err := o.attempt(ctx, ad, content, desc)
		if err == nil {
			res.Outcome = report.Succeeded
			res.Duration = o.now().Sub(start)
			o.logger.Printf("[%s] %s: upload of %s succeeded in %s", id, ad.Name(), desc, res.Duration.Round(time.Millisecond))
			return res
		}
		lastErr = err
		o.logger.Printf("[%s] %s: attempt %d of %d for %s failed: %v", id, ad.Name(), attempt, o.cfg.Retries, desc, err)
		if ctx.Err() != nil {
			break
		}
	}

	res.Outcome = report.Errored
	res.Duration = o.now().Sub(start)
	res.Err = &UploadError{Adaptor: ad.Name(), Descriptor: desc, Attempts: res.Attempts, Err: lastErr}
	return res
}

// maxBackoff caps the wait between attempts unless Backoff itself is longer.
const maxBackoff = 5 * time.Minute

// backoffDelay is base before attempt 2, doubling for each attempt after, capped.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	limit := max(base, maxBackoff)
	d := base
	for i := 2; i < attempt; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return d
}

// attempt opens the content fresh so a failed try never leaves a half-read handle behind.
func (o *Orchestrator) attempt(ctx context.Context, ad storage.Adaptor, content string, desc *model.UploadDescriptor) (err error) {
	f, err := os.Open(content)
	if err != nil {
		return fmt.Errorf("open content: %w", err)
	}
	defer f.Close()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adaptor panicked: %v", r)
		}
	}()

	status, err := ad.Upload(ctx, f, desc)
	if err != nil {
		return err
	}
	if status != storage.StatusSuccess {
		return fmt.Errorf("adaptor reported %s", status)
	}
	return nil
}
