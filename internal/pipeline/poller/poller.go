// Package poller implements one feed's polling loop: fetch entries,
// dedupe against a shared seen-set, and publish a download task per
// newly seen accession.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/kv"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

const maxRetrySleep = 5 * time.Second

// FetchFunc retrieves one cycle's worth of feed entries. It is bound to
// either the global feed or a single issuer's feed by the caller.
type FetchFunc func(ctx context.Context) ([]models.FeedEntry, error)

// Poller owns one feed's fetch function and interval. Multiple Pollers
// (one global, zero or more per-issuer) run concurrently, sharing the
// same seen-set and download queue.
type Poller struct {
	name          string
	fetch         FetchFunc
	interval      time.Duration
	seen          *kv.DB
	downloadQueue interfaces.Queue
	downloadGate  interfaces.BackpressureGate
	logger        *common.Logger
}

// Option configures a Poller.
type Option func(*Poller)

func WithLogger(logger *common.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

// New builds a Poller identified by name (used for logging, e.g.
// "global" or "issuer:0000320193"). Seen-set entries are keyed by
// accession alone, so every poller shares one seen-set.
func New(name string, fetch FetchFunc, interval time.Duration, seen *kv.DB, downloadQueue interfaces.Queue, downloadGate interfaces.BackpressureGate, opts ...Option) *Poller {
	p := &Poller{
		name:          name,
		fetch:         fetch,
		interval:      interval,
		seen:          seen,
		downloadQueue: downloadQueue,
		downloadGate:  downloadGate,
		logger:        common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the poller's identifying label, used for logging.
func (p *Poller) Name() string {
	return p.name
}

// Run cycles until ctx is cancelled. A fetch error is logged and the
// loop backs off min(interval, 5s) before retrying, so a broken feed
// endpoint doesn't hot-loop.
func (p *Poller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.cycle(ctx); err != nil {
			p.logger.Warn().Str("poller", p.name).Err(err).Msg("poll cycle failed")
			if !p.sleep(ctx, minDuration(p.interval, maxRetrySleep)) {
				return ctx.Err()
			}
			continue
		}

		if !p.sleep(ctx, p.interval) {
			return ctx.Err()
		}
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (p *Poller) cycle(ctx context.Context) error {
	entries, err := p.fetch(ctx)
	if err != nil {
		return fmt.Errorf("poller %s fetch failed: %w", p.name, err)
	}

	for _, entry := range entries {
		if entry.Accession == "" {
			continue
		}
		isNew, err := p.seen.MarkSeen(seenKey(entry.Accession))
		if err != nil {
			p.logger.Warn().Str("poller", p.name).Str("accession", entry.Accession).Err(err).Msg("seen-set check failed")
			continue
		}
		if !isNew {
			continue
		}
		if err := p.publish(ctx, entry); err != nil {
			p.logger.Warn().Str("poller", p.name).Str("accession", entry.Accession).Err(err).Msg("failed to publish download task")
		}
	}
	return nil
}

func (p *Poller) publish(ctx context.Context, entry models.FeedEntry) error {
	var href string
	if len(entry.SourceURLs) > 0 {
		href = entry.SourceURLs[0]
	}

	task := models.DownloadTask{
		Accession:  entry.Accession,
		IssuerCIK:  entry.IssuerCIK,
		IssuerName: entry.IssuerName,
		FormType:   entry.FormType,
		FilingHref: href,
		FiledAt:    entry.FiledAt,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode download task for %s: %w", entry.Accession, err)
	}

	if p.downloadGate != nil {
		if err := p.downloadGate.WaitIfNeeded(ctx); err != nil {
			return fmt.Errorf("backpressure wait for download queue: %w", err)
		}
	}
	if err := p.downloadQueue.Push(ctx, entry.Accession+":download", payload); err != nil {
		return fmt.Errorf("failed to enqueue download task for %s: %w", entry.Accession, err)
	}
	return nil
}

func seenKey(accession string) []byte {
	return []byte("poller/seen/" + accession)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
