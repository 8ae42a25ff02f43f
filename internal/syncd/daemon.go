// Package syncd delivers batches handed off to the spool by processes that
// went away before they could upload.
package syncd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrace/internal/beacon"
	"github.com/thebtf/solvetrace/internal/watcher"
)

// DefaultRetryInterval is how often the spool is rescanned for batches
// whose delivery failed.
const DefaultRetryInterval = time.Minute

const corruptSuffix = ".corrupt"

// Stats describes one pass over the spool.
type Stats struct {
	Files     int
	Delivered int
	Failed    int
	Corrupt   int
	// Unreadable counts files left for the next pass after a read error.
	Unreadable int
}

// Daemon drains the spool at start, whenever a batch file arrives and on a
// retry timer. A batch file is deleted only when every session in it was
// delivered.
type Daemon struct {
	spool    *beacon.Spool
	uploader beacon.Uploader
	retry    time.Duration
	debounce time.Duration
	kick     chan struct{}
}

// New creates a daemon for spool. A non-positive retry selects
// DefaultRetryInterval.
func New(spool *beacon.Spool, uploader beacon.Uploader, retry time.Duration) *Daemon {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	return &Daemon{
		spool:    spool,
		uploader: uploader,
		retry:    retry,
		debounce: watcher.DefaultDebounce,
		kick:     make(chan struct{}, 1),
	}
}

// Kick asks for a pass over the spool. Kicks arriving during a pass are
// coalesced into one follow-up pass.
func (d *Daemon) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run serves until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	w, err := watcher.New(d.spool.Dir(), beacon.IsBatchFile, d.Kick, watcher.WithDebounce(d.debounce))
	if err != nil {
		return fmt.Errorf("create spool watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("start spool watcher: %w", err)
	}
	defer func() { _ = w.Stop() }()

	log.Info().Str("spool", d.spool.Dir()).Dur("retry", d.retry).Msg("Sync daemon started")

	ticker := time.NewTicker(d.retry)
	defer ticker.Stop()

	d.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sync daemon stopped")
			return ctx.Err()
		case <-d.kick:
			d.pass(ctx)
		case <-ticker.C:
			d.pass(ctx)
		}
	}
}

func (d *Daemon) pass(ctx context.Context) {
	stats, err := d.Drain(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Spool drain failed")
		return
	}
	if stats.Files > 0 {
		log.Info().
			Int("files", stats.Files).
			Int("delivered", stats.Delivered).
			Int("failed", stats.Failed).
			Int("corrupt", stats.Corrupt).
			Int("unreadable", stats.Unreadable).
			Msg("Spool drained")
	}
}

// Drain uploads every spooled batch once.
func (d *Daemon) Drain(ctx context.Context) (Stats, error) {
	var stats Stats

	files, err := d.spool.List()
	if err != nil {
		return stats, err
	}

	for _, path := range files {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Files++

		batch, err := d.spool.Read(path)
		if errors.Is(err, beacon.ErrCorruptBatch) {
			log.Warn().Err(err).Str("file", path).Msg("Setting aside corrupt batch")
			if renameErr := os.Rename(path, path+corruptSuffix); renameErr != nil {
				log.Error().Err(renameErr).Str("file", path).Msg("Failed to set aside batch")
			}
			stats.Corrupt++
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Batch unreadable, retrying later")
			stats.Unreadable++
			continue
		}

		failed := 0
		for _, s := range batch.Sessions {
			if err := d.uploader.Upload(ctx, s); err != nil {
				log.Warn().Err(err).Str("sessionId", s.SessionID).Msg("Spooled session upload failed")
				failed++
				continue
			}
			stats.Delivered++
		}
		stats.Failed += failed

		if failed == 0 {
			if err := d.spool.Remove(path); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}
