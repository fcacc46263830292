// Package sync implements the two-coordinator synchronization protocol:
// push and pull rounds driven by a view diff, attachment transfer, retry
// with a constant delay, and mutual exclusion of overlapping sync attempts.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/joohw/deltasync-go/internal/coordinator"
	"github.com/joohw/deltasync-go/internal/view"
	"github.com/joohw/deltasync-go/pkg/storage"
)

// Defaults for Options fields left zero.
const (
	DefaultBatchSize     = 100
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 5 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultFileChunkSize = 4 << 20

	// transferParallelism bounds concurrent blob batch saves.
	transferParallelism = 4
)

// Options tunes a Manager. Zero fields fall back to the defaults above.
type Options struct {
	BatchSize     int
	MaxRetries    int
	RetryDelay    time.Duration
	Timeout       time.Duration
	FileChunkSize int64
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}

	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}

	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	if o.FileChunkSize <= 0 {
		o.FileChunkSize = DefaultFileChunkSize
	}

	return o
}

// Report summarizes one push, pull, or full sync. Skipped is set when
// another sync was already in flight and the call short-circuited.
type Report struct {
	Skipped     bool
	Pushed      int
	Pulled      int
	FilesPushed int
	FilesPulled int
	Duration    time.Duration
}

// Manager orchestrates synchronization between a local and a remote
// coordinator. It holds non-owning references; all store access goes through
// the coordinators' documented methods.
type Manager struct {
	local  *coordinator.Coordinator
	remote *coordinator.Coordinator
	logger *slog.Logger
	opts   Options

	syncing atomic.Bool

	// OnPushed and OnPulled fire once per applied change-set batch.
	OnPushed func(*storage.DataChangeSet)
	OnPulled func(*storage.DataChangeSet)

	// OnRoundStart fires when a push or pull round begins, before any
	// adapter traffic. The engine maps rounds to status updates.
	OnRoundStart func(Round)
}

// Round identifies the direction of a sync round.
type Round int

// Rounds reported through OnRoundStart.
const (
	RoundPull Round = iota
	RoundPush
)

// NewManager wires two coordinators together.
func NewManager(local, remote *coordinator.Coordinator, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		local:  local,
		remote: remote,
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// Syncing reports whether a sync round is in flight.
func (m *Manager) Syncing() bool {
	return m.syncing.Load()
}

// Push sends local changes the remote lacks. A concurrent sync makes the
// call return immediately with Report.Skipped set.
func (m *Manager) Push(ctx context.Context) (*Report, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		return &Report{Skipped: true}, nil
	}
	defer m.syncing.Store(false)

	report := &Report{}
	start := time.Now()

	err := m.pushRound(ctx, report)
	report.Duration = time.Since(start)

	return report, err
}

// Pull fetches remote changes the local side lacks. Short-circuits like Push
// when a sync is in flight.
func (m *Manager) Pull(ctx context.Context) (*Report, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		return &Report{Skipped: true}, nil
	}
	defer m.syncing.Store(false)

	report := &Report{}
	start := time.Now()

	err := m.pullRound(ctx, report)
	report.Duration = time.Since(start)

	return report, err
}

// Sync runs a pull round then a push round under one exclusion window.
// Pulling first guarantees the push happens against the peer's latest state.
func (m *Manager) Sync(ctx context.Context) (*Report, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		return &Report{Skipped: true}, nil
	}
	defer m.syncing.Store(false)

	report := &Report{}
	start := time.Now()

	if err := m.pullRound(ctx, report); err != nil {
		report.Duration = time.Since(start)
		return report, err
	}

	err := m.pushRound(ctx, report)
	report.Duration = time.Since(start)

	return report, err
}

// pushRound moves the to-upload half of the diff: blobs first, then record
// change sets in batches. Attachment ids that could not be read or saved are
// flagged missing on their enclosing records before those records push.
func (m *Manager) pushRound(ctx context.Context, report *Report) error {
	if m.OnRoundStart != nil {
		m.OnRoundStart(RoundPush)
	}

	diff := view.Diff(m.local.View(), m.remote.View())
	attachments, records := partition(diff.ToUpload)

	m.logger.Debug("push round",
		"records", len(records), "attachments", len(attachments))

	failed, transferred, err := m.transferFiles(ctx, m.local, m.remote, attachments)
	if err != nil {
		return fmt.Errorf("sync: pushing attachments: %w", err)
	}

	report.FilesPushed = transferred

	for batch := range batches(records, m.opts.BatchSize) {
		set, err := m.local.ExtractChanges(ctx, batch)
		if err != nil {
			return fmt.Errorf("sync: extracting push batch: %w", err)
		}

		if len(failed) > 0 {
			if err := m.flagMissing(ctx, set, failed); err != nil {
				return err
			}
		}

		if err := m.withRetry(ctx, "apply push batch", func(callCtx context.Context) error {
			return m.remote.ApplyChanges(callCtx, set)
		}); err != nil {
			return fmt.Errorf("sync: applying push batch: %w", err)
		}

		report.Pushed += set.Size()

		if m.OnPushed != nil && !set.Empty() {
			m.OnPushed(set)
		}
	}

	return nil
}

// pullRound is the mirror image of pushRound. Changes apply silently; the
// OnPulled callback is the only notification for incoming remote edits.
func (m *Manager) pullRound(ctx context.Context, report *Report) error {
	if m.OnRoundStart != nil {
		m.OnRoundStart(RoundPull)
	}

	diff := view.Diff(m.local.View(), m.remote.View())
	attachments, records := partition(diff.ToDownload)

	m.logger.Debug("pull round",
		"records", len(records), "attachments", len(attachments))

	_, transferred, err := m.transferFiles(ctx, m.remote, m.local, attachments)
	if err != nil {
		return fmt.Errorf("sync: pulling attachments: %w", err)
	}

	report.FilesPulled = transferred

	for batch := range batches(records, m.opts.BatchSize) {
		set, err := m.remote.ExtractChanges(ctx, batch)
		if err != nil {
			return fmt.Errorf("sync: extracting pull batch: %w", err)
		}

		if err := m.withRetry(ctx, "apply pull batch", func(callCtx context.Context) error {
			return m.local.ApplyChanges(callCtx, set)
		}); err != nil {
			return fmt.Errorf("sync: applying pull batch: %w", err)
		}

		report.Pulled += set.Size()

		if m.OnPulled != nil && !set.Empty() {
			m.OnPulled(set)
		}
	}

	return nil
}

// flagMissing annotates change-set payloads whose attachment lists reference
// failed blob ids, and rewrites the local copies so both sides agree.
func (m *Manager) flagMissing(ctx context.Context, set *storage.DataChangeSet, failed map[string]struct{}) error {
	for store, group := range set.Stores {
		for i, put := range group.Puts {
			if put.Data == nil {
				continue
			}

			atts, err := put.Data.Attachments()
			if err != nil {
				continue
			}

			hit := false

			for _, att := range atts {
				if _, ok := failed[att.ID]; ok {
					hit = true
					break
				}
			}

			if !hit {
				continue
			}

			annotated, err := m.local.MarkAttachmentsMissing(ctx, store, put.ID, failed)
			if err != nil {
				return fmt.Errorf("sync: flagging missing attachments on %s/%s: %w", store, put.ID, err)
			}

			if annotated != nil {
				group.Puts[i].Data = annotated
			}
		}
	}

	return nil
}

// withRetry runs fn under the per-call timeout, retrying with a constant
// delay up to MaxRetries times after the first attempt. All retried adapter contracts
// are idempotent.
func (m *Manager) withRetry(ctx context.Context, desc string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(m.opts.MaxRetries), retry.NewConstant(m.opts.RetryDelay))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()

		if err := fn(callCtx); err != nil {
			m.logger.Warn("sync call failed, retrying", "call", desc, "error", err)
			return retry.RetryableError(err)
		}

		return nil
	})
}

// partition splits diff items into attachment items and record items.
func partition(items []view.Item) (attachments, records []view.Item) {
	for _, item := range items {
		if item.Attachment || item.Store == storage.StoreAttachments {
			attachments = append(attachments, item)
		} else {
			records = append(records, item)
		}
	}

	return attachments, records
}

// batches yields size-bounded sub-slices of items.
func batches(items []view.Item, size int) func(yield func([]view.Item) bool) {
	return func(yield func([]view.Item) bool) {
		for start := 0; start < len(items); start += size {
			end := start + size
			if end > len(items) {
				end = len(items)
			}

			if !yield(items[start:end]) {
				return
			}
		}
	}
}
