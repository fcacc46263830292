// Package deltasync is an offline-first, bidirectional synchronization
// library over opaque key-value stores. Applications write records and
// binary attachments through an Engine backed by a local adapter; connecting
// a cloud adapter enables push/pull rounds that converge both stores under
// last-writer-wins at the record level.
package deltasync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/joohw/deltasync-go/internal/coordinator"
	syncmgr "github.com/joohw/deltasync-go/internal/sync"
	"github.com/joohw/deltasync-go/pkg/storage"
)

// ErrNoCloud is returned by sync operations before a cloud adapter has been
// connected.
var ErrNoCloud = errors.New("deltasync: no cloud adapter configured")

// ErrFileTooLarge is returned by Attach when a blob exceeds MaxFileSize.
var ErrFileTooLarge = errors.New("deltasync: file exceeds maximum size")

// QueryOptions narrows a Query. Since returns only records whose version is
// strictly greater than the cursor.
type QueryOptions struct {
	Since      int64
	Offset     int
	Limit      int
	Descending bool
}

// QueryResult is one page of records.
type QueryResult struct {
	Items   []storage.Record
	HasMore bool
}

// SyncReport summarizes a push, pull, or full sync.
type SyncReport struct {
	Success     bool
	Skipped     bool
	Pushed      int
	Pulled      int
	FilesPushed int
	FilesPulled int
	Version     int64
}

// Engine is the thin façade over one local coordinator and, once a cloud
// adapter is connected, a sync manager pairing it with a remote coordinator.
type Engine struct {
	mu      sync.Mutex
	opts    Options
	local   *coordinator.Coordinator
	remote  *coordinator.Coordinator
	manager *syncmgr.Manager
	status  Status
	auto    *autoSync
}

// New opens an engine over the given local adapter. The adapter is owned by
// the engine from here on; Close releases it.
func New(ctx context.Context, adapter storage.Adapter, opts Options) (*Engine, error) {
	opts = normalizeOptions(opts)

	local, err := coordinator.New(ctx, adapter, opts.Logger,
		coordinator.WithTombstoneRetention(opts.TombstoneRetention))
	if err != nil {
		return nil, fmt.Errorf("deltasync: opening local store: %w", err)
	}

	e := &Engine{opts: opts, local: local, status: StatusOffline}

	// Local mutations surface as version updates.
	local.OnDataChanged(func(changes []storage.DataChange) {
		if e.opts.OnVersionUpdate != nil && len(changes) > 0 {
			e.opts.OnVersionUpdate(local.LastVersion())
		}
	})

	if opts.AutoSync.Enabled {
		e.EnableAutoSync(opts.AutoSync.Interval)
	}

	return e, nil
}

// Close stops auto-sync and releases the engine's adapters.
func (e *Engine) Close() error {
	e.DisableAutoSync()

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error

	if e.remote != nil {
		errs = append(errs, e.remote.Adapter().Close())
	}

	errs = append(errs, e.local.Adapter().Close())

	return errors.Join(errs...)
}

// Status returns the engine's current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

// setStatus transitions the status and fires the callback on change.
func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	changed := e.status != s
	e.status = s
	cb := e.opts.OnStatusUpdate
	e.mu.Unlock()

	if changed && cb != nil {
		cb(s)
	}
}

// Version returns the highest version the local store has issued or
// observed.
func (e *Engine) Version() int64 {
	return e.local.LastVersion()
}

// UpdateSyncOptions overlays the non-zero fields of update onto the current
// options and reconfigures the sync manager and auto-sync scheduler.
// AutoSync.Enabled is always taken from update, so an update that leaves it
// false stops auto-sync.
func (e *Engine) UpdateSyncOptions(update Options) {
	e.mu.Lock()
	e.opts = e.opts.merge(update)
	opts := e.opts

	if e.manager != nil {
		e.manager = e.newManager(e.remote)
	}
	e.mu.Unlock()

	if opts.AutoSync.Enabled {
		e.EnableAutoSync(opts.AutoSync.Interval)
	} else {
		e.DisableAutoSync()
	}
}

// Save writes one or more records to a store. Records without an id get a
// generated one; the saved copies carry their new versions.
func (e *Engine) Save(ctx context.Context, store string, records ...storage.Record) ([]storage.Record, error) {
	prev := e.Status()
	e.setStatus(StatusOperating)
	defer e.setStatus(prev)

	for _, rec := range records {
		if rec.ID() == "" {
			rec[storage.FieldID] = uuid.NewString()
		}
	}

	return e.local.PutBulk(ctx, store, records)
}

// Delete removes records by id, leaving tombstones for peers.
func (e *Engine) Delete(ctx context.Context, store string, ids ...string) error {
	prev := e.Status()
	e.setStatus(StatusOperating)
	defer e.setStatus(prev)

	return e.local.DeleteBulk(ctx, store, ids)
}

// Query returns a page of live records from a store, ordered by version.
func (e *Engine) Query(ctx context.Context, store string, opts QueryOptions) (*QueryResult, error) {
	items, hasMore, err := e.local.Query(ctx, store, coordinator.QueryOptions{
		Since:      opts.Since,
		Offset:     opts.Offset,
		Limit:      opts.Limit,
		Descending: opts.Descending,
	})
	if err != nil {
		return nil, err
	}

	return &QueryResult{Items: items, HasMore: hasMore}, nil
}

// Attach stores a blob and links it to a record, re-saving the record under
// a new version.
func (e *Engine) Attach(ctx context.Context, store, recordID string, content []byte, filename, mimeType string, metadata map[string]string) (storage.Attachment, error) {
	if int64(len(content)) > e.opts.MaxFileSize {
		return storage.Attachment{}, fmt.Errorf("deltasync: attach %s (%d bytes): %w", filename, len(content), ErrFileTooLarge)
	}

	prev := e.Status()
	e.setStatus(StatusOperating)
	defer e.setStatus(prev)

	att, _, err := e.local.AttachFile(ctx, store, recordID, storage.FileData{
		Filename: filename,
		MimeType: mimeType,
		Content:  content,
		Metadata: metadata,
	})

	return att, err
}

// Detach unlinks an attachment from a record, deletes its blob, and returns
// the updated record.
func (e *Engine) Detach(ctx context.Context, store, recordID, attachmentID string) (storage.Record, error) {
	prev := e.Status()
	e.setStatus(StatusOperating)
	defer e.setStatus(prev)

	return e.local.DetachFile(ctx, store, recordID, attachmentID)
}

// ReadFile fetches one blob, or nil when it does not exist.
func (e *Engine) ReadFile(ctx context.Context, id string) (*storage.FileData, error) {
	files, err := e.local.DownloadFiles(ctx, []string{id})
	if err != nil {
		return nil, err
	}

	return files[id], nil
}

// Stores lists the application stores known to the local view.
func (e *Engine) Stores() []string {
	return e.local.Stores()
}

// StoreSize returns the number of indexed entries for one store, tombstones
// included.
func (e *Engine) StoreSize(store string) int {
	return e.local.View().StoreSize(store)
}

// SetCloudAdapter activates the remote side: the adapter is wrapped in its
// own coordinator and paired with the local one. Replaces any prior remote.
func (e *Engine) SetCloudAdapter(ctx context.Context, adapter storage.Adapter) error {
	remote, err := coordinator.New(ctx, adapter, e.opts.Logger,
		coordinator.WithTombstoneRetention(e.opts.TombstoneRetention))
	if err != nil {
		return fmt.Errorf("deltasync: opening cloud store: %w", err)
	}

	e.mu.Lock()
	e.remote = remote
	e.manager = e.newManager(remote)
	e.status = StatusIdle
	cb := e.opts.OnStatusUpdate
	e.mu.Unlock()

	if cb != nil {
		cb(StatusIdle)
	}

	return nil
}

// newManager builds a sync manager against the current options. Caller
// holds e.mu.
func (e *Engine) newManager(remote *coordinator.Coordinator) *syncmgr.Manager {
	chunk := e.opts.FileChunkSize
	if e.opts.PayloadSize < chunk {
		chunk = e.opts.PayloadSize
	}

	m := syncmgr.NewManager(e.local, remote, syncmgr.Options{
		BatchSize:     e.opts.BatchSize,
		MaxRetries:    e.opts.MaxRetries,
		RetryDelay:    e.opts.AutoSync.RetryDelay,
		Timeout:       e.opts.Timeout,
		FileChunkSize: chunk,
	}, e.opts.Logger)

	m.OnPushed = e.opts.OnChangePushed
	m.OnPulled = e.opts.OnChangePulled
	m.OnRoundStart = func(round syncmgr.Round) {
		switch round {
		case syncmgr.RoundPull:
			e.setStatus(StatusDownloading)
		case syncmgr.RoundPush:
			e.setStatus(StatusUploading)
		}
	}

	return m
}

// DisconnectCloud deactivates the remote side and closes the cloud adapter
// at once. A sync round already in flight keeps the old pairing, so its
// remaining calls go to the closed adapter.
func (e *Engine) DisconnectCloud() {
	e.mu.Lock()
	if e.remote != nil {
		if err := e.remote.Adapter().Close(); err != nil {
			e.opts.Logger.Warn("closing cloud adapter", "error", err)
		}
	}

	e.remote = nil
	e.manager = nil
	e.status = StatusOffline
	cb := e.opts.OnStatusUpdate
	e.mu.Unlock()

	if cb != nil {
		cb(StatusOffline)
	}
}

// currentManager returns the active sync manager, or nil when offline.
func (e *Engine) currentManager() *syncmgr.Manager {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.manager
}

// Sync runs a pull round then a push round. Returns a skipped report when
// another sync is in flight.
func (e *Engine) Sync(ctx context.Context) (*SyncReport, error) {
	return e.runSync(ctx, func(m *syncmgr.Manager) (*syncmgr.Report, error) {
		return m.Sync(ctx)
	})
}

// Push sends local changes the cloud lacks.
func (e *Engine) Push(ctx context.Context) (*SyncReport, error) {
	return e.runSync(ctx, func(m *syncmgr.Manager) (*syncmgr.Report, error) {
		return m.Push(ctx)
	})
}

// Pull fetches cloud changes the local store lacks.
func (e *Engine) Pull(ctx context.Context) (*SyncReport, error) {
	return e.runSync(ctx, func(m *syncmgr.Manager) (*syncmgr.Report, error) {
		return m.Pull(ctx)
	})
}

// runSync maps a manager round onto engine status and report shapes.
func (e *Engine) runSync(_ context.Context, run func(*syncmgr.Manager) (*syncmgr.Report, error)) (*SyncReport, error) {
	m := e.currentManager()
	if m == nil {
		e.setStatus(StatusOffline)
		return &SyncReport{}, ErrNoCloud
	}

	report, err := run(m)
	if err != nil {
		e.setStatus(StatusError)
		e.opts.Logger.Error("sync failed", "error", err)

		return &SyncReport{Version: e.local.LastVersion()}, err
	}

	if !report.Skipped {
		e.setStatus(StatusIdle)

		if e.opts.OnVersionUpdate != nil {
			e.opts.OnVersionUpdate(e.local.LastVersion())
		}
	}

	return &SyncReport{
		Success:     !report.Skipped,
		Skipped:     report.Skipped,
		Pushed:      report.Pushed,
		Pulled:      report.Pulled,
		FilesPushed: report.FilesPushed,
		FilesPulled: report.FilesPulled,
		Version:     e.local.LastVersion(),
	}, nil
}

// Maintenance garbage-collects the change journal and expired tombstones on
// the local store.
func (e *Engine) Maintenance(ctx context.Context) error {
	prev := e.Status()
	e.setStatus(StatusMaintaining)
	defer e.setStatus(prev)

	_, err := e.local.Maintenance(ctx)

	return err
}
