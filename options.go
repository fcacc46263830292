package deltasync

import (
	"cmp"
	"log/slog"
	"time"

	"github.com/joohw/deltasync-go/pkg/storage"
)

// Defaults applied by normalizeOptions.
const (
	DefaultAutoSyncInterval = 30 * time.Second
	DefaultRetryDelay       = 5 * time.Second
	DefaultMaxRetries       = 3
	DefaultTimeout          = 10 * time.Second
	DefaultBatchSize        = 100
	DefaultPayloadSize      = 4 << 20
	DefaultMaxFileSize      = 20 << 20
	DefaultFileChunkSize    = 4 << 20
)

// AutoSyncOptions controls the background sync scheduler. A failed round
// reschedules after RetryDelay instead of Interval; the delay is constant,
// no escalation.
type AutoSyncOptions struct {
	Enabled    bool
	Interval   time.Duration
	RetryDelay time.Duration
}

// Options tunes an Engine. The zero value is usable; unset fields take the
// defaults above. Callbacks are optional and fire after the state they
// announce has been persisted.
type Options struct {
	AutoSync AutoSyncOptions

	MaxRetries    int
	Timeout       time.Duration
	BatchSize     int
	PayloadSize   int64
	MaxFileSize   int64
	FileChunkSize int64

	// TombstoneRetention bounds how long deletions are remembered for
	// late-syncing peers.
	TombstoneRetention time.Duration

	Logger *slog.Logger

	OnStatusUpdate  func(Status)
	OnVersionUpdate func(int64)
	OnChangePulled  func(*storage.DataChangeSet)
	OnChangePushed  func(*storage.DataChangeSet)
}

// normalizeOptions fills unset fields with defaults.
func normalizeOptions(o Options) Options {
	o.AutoSync.Interval = cmp.Or(o.AutoSync.Interval, DefaultAutoSyncInterval)
	o.AutoSync.RetryDelay = cmp.Or(o.AutoSync.RetryDelay, DefaultRetryDelay)
	o.MaxRetries = cmp.Or(o.MaxRetries, DefaultMaxRetries)
	o.Timeout = cmp.Or(o.Timeout, DefaultTimeout)
	o.BatchSize = cmp.Or(o.BatchSize, DefaultBatchSize)
	o.PayloadSize = cmp.Or(o.PayloadSize, int64(DefaultPayloadSize))
	o.MaxFileSize = cmp.Or(o.MaxFileSize, int64(DefaultMaxFileSize))
	o.FileChunkSize = cmp.Or(o.FileChunkSize, int64(DefaultFileChunkSize))
	o.TombstoneRetention = cmp.Or(o.TombstoneRetention, 180*24*time.Hour)

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return o
}

// merge overlays the non-zero fields of an update onto existing options.
// Callbacks replace only when non-nil; AutoSync.Enabled always takes the
// updated value so auto-sync can be switched off through an update.
func (o Options) merge(update Options) Options {
	merged := o

	merged.AutoSync.Enabled = update.AutoSync.Enabled
	merged.AutoSync.Interval = cmp.Or(update.AutoSync.Interval, o.AutoSync.Interval)
	merged.AutoSync.RetryDelay = cmp.Or(update.AutoSync.RetryDelay, o.AutoSync.RetryDelay)
	merged.MaxRetries = cmp.Or(update.MaxRetries, o.MaxRetries)
	merged.Timeout = cmp.Or(update.Timeout, o.Timeout)
	merged.BatchSize = cmp.Or(update.BatchSize, o.BatchSize)
	merged.PayloadSize = cmp.Or(update.PayloadSize, o.PayloadSize)
	merged.MaxFileSize = cmp.Or(update.MaxFileSize, o.MaxFileSize)
	merged.FileChunkSize = cmp.Or(update.FileChunkSize, o.FileChunkSize)
	merged.TombstoneRetention = cmp.Or(update.TombstoneRetention, o.TombstoneRetention)

	if update.Logger != nil {
		merged.Logger = update.Logger
	}

	if update.OnStatusUpdate != nil {
		merged.OnStatusUpdate = update.OnStatusUpdate
	}

	if update.OnVersionUpdate != nil {
		merged.OnVersionUpdate = update.OnVersionUpdate
	}

	if update.OnChangePulled != nil {
		merged.OnChangePulled = update.OnChangePulled
	}

	if update.OnChangePushed != nil {
		merged.OnChangePushed = update.OnChangePushed
	}

	return merged
}
