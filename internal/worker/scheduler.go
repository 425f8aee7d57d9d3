// Package worker drains the staging area into every configured storage adaptor.
//
// Each manifest is an independent job. For one job every adaptor is tried
// (dedup check, then up to Retries uploads); only when all of them hold the
// content are the staged files deleted. Anything less leaves the pair on disk
// for the next run, which will retry against every adaptor again.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"archiver/internal/report"
	"archiver/internal/staging"
	"archiver/internal/storage"
)

const DefaultRetries = 3

var ErrNoAdaptors = errors.New("no storage adaptors configured")

type Config struct {
	// Retries is the attempt ceiling per adaptor per file.
	Retries int
	// Backoff before the second attempt, doubling after. Zero retries immediately.
	Backoff time.Duration
	// Workers is how many manifests are processed at once.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

type Orchestrator struct {
	logger   *log.Logger
	area     *staging.Area
	adaptors []storage.Adaptor
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(logger *log.Logger, area *staging.Area, adaptors []storage.Adaptor, cfg Config) *Orchestrator {
	return &Orchestrator{
		logger:   logger,
		area:     area,
		adaptors: adaptors,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run processes every manifest currently staged and returns the report.
// It fails only when the staging directory or a manifest cannot be read at the
// I/O level; the report is still returned for whatever was finished.
func (o *Orchestrator) Run(ctx context.Context) (*report.Report, error) {
	rep := report.New(o.now())
	defer func() { rep.Finished = o.now() }()

	if len(o.adaptors) == 0 {
		return rep, ErrNoAdaptors
	}

	manifests, err := o.area.Manifests()
	if err != nil {
		return rep, err
	}
	o.logger.Printf("[upload] starting from %s: %d staged, %d adaptors, %d workers",
		o.area.Dir(), len(manifests), len(o.adaptors), o.cfg.Workers)

	entries := make([]*report.Entry, len(manifests))
	jobs := make(chan int)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)
	fail := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
			cancel()
		}
		fatalMu.Unlock()
	}

	// workers
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			o.runWorker(runCtx, id, manifests, entries, jobs, fail)
		}(workerID(i))
	}

feed:
	for i := range manifests {
		select {
		case <-runCtx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	for _, e := range entries {
		if e != nil {
			rep.Record(*e)
		}
	}

	if fatalErr != nil {
		return rep, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

func workerID(i int) string {
	return fmt.Sprintf("upload-%d", i)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
