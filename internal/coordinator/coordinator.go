// Package coordinator implements the change-tracking gateway between
// application-level operations and a storage adapter. A coordinator owns
// exactly one adapter and one sync view, stamps a monotonic version onto
// every mutation, journals changes, and persists the view after each write.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/joohw/deltasync-go/internal/view"
	"github.com/joohw/deltasync-go/pkg/storage"
)

// DefaultTombstoneRetention is how long tombstones survive before
// maintenance garbage-collects them.
const DefaultTombstoneRetention = 180 * 24 * time.Hour

// rebuildBatchSize is the page size used when scanning stores during a view
// rebuild and during maintenance.
const rebuildBatchSize = 500

// ErrMissingID is returned when a record without an id reaches a mutating
// operation.
var ErrMissingID = errors.New("coordinator: record has no id")

// Observer receives the journal entries of a completed mutation, after the
// view has been persisted. Silent applications (incoming remote changes) do
// not reach observers.
type Observer func(changes []storage.DataChange)

// QueryOptions controls Query. Since filters to items whose view version is
// strictly greater than the cursor; Descending reverses the version order.
type QueryOptions struct {
	Since      int64
	Limit      int
	Offset     int
	Descending bool
}

// Coordinator mediates all reads and writes against one adapter. Methods are
// safe for concurrent use; a single mutex serializes mutations so every
// observed version is monotonic.
type Coordinator struct {
	mu        sync.Mutex
	adapter   storage.Adapter
	view      *view.View
	logger    *slog.Logger
	retention time.Duration

	lastVersion int64
	observers   []Observer

	// stagedTombstones buffers tombstone-store records so a delete batch is
	// a single adapter write. Guarded by mu.
	stagedTombstones []storage.Record
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTombstoneRetention overrides the tombstone retention window.
func WithTombstoneRetention(d time.Duration) Option {
	return func(c *Coordinator) { c.retention = d }
}

// New wraps an adapter, restoring the persisted view snapshot or rebuilding
// the view from store contents when the snapshot is absent or corrupt.
func New(ctx context.Context, adapter storage.Adapter, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		adapter:   adapter,
		view:      view.New(),
		logger:    logger,
		retention: DefaultTombstoneRetention,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.loadView(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// loadView restores the snapshot from the meta store, falling back to a full
// rebuild on a missing or undecodable snapshot.
func (c *Coordinator) loadView(ctx context.Context) error {
	items, err := c.adapter.ReadBulk(ctx, storage.StoreMeta, []string{storage.MetaViewKey})
	if err != nil {
		return fmt.Errorf("coordinator: reading view snapshot: %w", err)
	}

	if len(items) == 0 {
		c.logger.Info("no view snapshot, rebuilding")
		return c.RebuildView(ctx)
	}

	snap := items[0]

	raw, _ := snap["view"].(string)

	restored, err := view.Deserialize([]byte(raw))
	if err != nil {
		c.logger.Warn("view snapshot corrupt, rebuilding", "error", err)
		return c.RebuildView(ctx)
	}

	c.view = restored
	c.lastVersion = snap.Version()

	// The snapshot's counter can lag items written right before a crash.
	for _, item := range restored.All() {
		c.observeVersion(item.Version)
	}

	c.logger.Debug("view snapshot restored",
		"items", restored.Size(), "last_version", c.lastVersion)

	return nil
}

// nextVersion issues a version strictly greater than every version this
// coordinator has issued or observed. Wall-clock milliseconds bumped past
// the last value, per the persisted-counter strategy.
func (c *Coordinator) nextVersion() int64 {
	now := time.Now().UnixMilli()
	if now <= c.lastVersion {
		now = c.lastVersion + 1
	}

	c.lastVersion = now

	return now
}

// observeVersion bumps the counter past an externally produced version.
func (c *Coordinator) observeVersion(v int64) {
	if v > c.lastVersion {
		c.lastVersion = v
	}
}

// persistView writes the serialized view plus the version counter to the
// meta store. Called with the mutex held, after every mutation.
func (c *Coordinator) persistView(ctx context.Context) error {
	data, err := c.view.Serialize()
	if err != nil {
		return fmt.Errorf("coordinator: serializing view: %w", err)
	}

	snap := storage.Record{
		storage.FieldID: storage.MetaViewKey,
		"view":          string(data),
	}
	snap.SetVersion(c.lastVersion)

	if _, err := c.adapter.PutBulk(ctx, storage.StoreMeta, []storage.Record{snap}); err != nil {
		return fmt.Errorf("coordinator: persisting view: %w", err)
	}

	return nil
}

// OnDataChanged registers an observer. Observers fire after the view has
// been persisted, in registration order.
func (c *Coordinator) OnDataChanged(fn Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.observers = append(c.observers, fn)
}

// notify runs the observer list. Called without the mutex held so observers
// may call back into the coordinator.
func (c *Coordinator) notify(changes []storage.DataChange) {
	for _, fn := range c.observers {
		fn(changes)
	}
}

// Adapter returns the underlying adapter. Callers use it for lifecycle
// management, never for store access.
func (c *Coordinator) Adapter() storage.Adapter {
	return c.adapter
}

// View returns the coordinator's live view. The sync manager diffs against
// it; callers must not mutate it.
func (c *Coordinator) View() *view.View {
	return c.view
}

// LastVersion returns the highest version issued or observed so far.
func (c *Coordinator) LastVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastVersion
}

// PutBulk stamps each record with a fresh version, writes it through the
// adapter, updates the view, journals one change per record, persists the
// view, and fires observers.
func (c *Coordinator) PutBulk(ctx context.Context, store string, items []storage.Record) ([]storage.Record, error) {
	if storage.IsReserved(store) {
		return nil, fmt.Errorf("coordinator: put into %s: %w", store, storage.ErrReservedStore)
	}

	c.mu.Lock()

	stamped := make([]storage.Record, 0, len(items))
	viewItems := make([]view.Item, 0, len(items))
	changes := make([]storage.DataChange, 0, len(items))

	for _, item := range items {
		id := item.ID()
		if id == "" {
			c.mu.Unlock()
			return nil, fmt.Errorf("coordinator: put into %s: %w", store, ErrMissingID)
		}

		rec := item.Clone()
		version := c.nextVersion()
		rec.SetVersion(version)

		stamped = append(stamped, rec)
		viewItems = append(viewItems, view.Item{Store: store, ID: id, Version: version})
		changes = append(changes, storage.DataChange{
			ID:       storage.ChangeID(store, id, version),
			Store:    store,
			RecordID: id,
			Version:  version,
			Op:       storage.OpPut,
			Data:     rec,
		})
	}

	saved, err := c.adapter.PutBulk(ctx, store, stamped)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator: put into %s: %w", store, err)
	}

	c.view.UpsertBatch(viewItems)

	if err := c.writeJournal(ctx, changes); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	if err := c.persistView(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Unlock()
	c.notify(changes)

	return saved, nil
}

// DeleteBulk removes records, writing one tombstone per id into both the
// tombstone store and the live view. When a deleted record's attachment
// list is readable, the referenced blobs are deleted as well.
func (c *Coordinator) DeleteBulk(ctx context.Context, store string, ids []string) error {
	if storage.IsReserved(store) {
		return fmt.Errorf("coordinator: delete from %s: %w", store, storage.ErrReservedStore)
	}

	c.mu.Lock()

	// Read the victims first to discover cascading attachments.
	victims, err := c.adapter.ReadBulk(ctx, store, ids)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: reading records to delete from %s: %w", store, err)
	}

	var cascade []string

	for _, rec := range victims {
		atts, attErr := rec.Attachments()
		if attErr != nil {
			c.logger.Warn("unreadable attachment list on delete",
				"store", store, "id", rec.ID(), "error", attErr)
			continue
		}

		for _, att := range atts {
			cascade = append(cascade, att.ID)
		}
	}

	if err := c.adapter.DeleteBulk(ctx, store, ids); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: delete from %s: %w", store, err)
	}

	changes := make([]storage.DataChange, 0, len(ids))

	for _, id := range ids {
		version := c.nextVersion()
		c.writeTombstoneLocked(store, id, version, false)

		changes = append(changes, storage.DataChange{
			ID:       storage.ChangeID(store, id, version),
			Store:    store,
			RecordID: id,
			Version:  version,
			Op:       storage.OpDelete,
		})
	}

	if err := c.flushTombstonesLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}

	if len(cascade) > 0 {
		if err := c.deleteFilesLocked(ctx, cascade); err != nil {
			c.logger.Warn("cascaded attachment delete failed", "error", err)
		}
	}

	if err := c.writeJournal(ctx, changes); err != nil {
		c.mu.Unlock()
		return err
	}

	if err := c.persistView(ctx); err != nil {
		c.mu.Unlock()
		return err
	}

	c.mu.Unlock()
	c.notify(changes)

	return nil
}

// writeTombstoneLocked records a logical deletion in the view and stages the
// matching tombstone-store record.
func (c *Coordinator) writeTombstoneLocked(store, id string, version int64, attachment bool) {
	c.view.Upsert(view.Item{
		Store:      store,
		ID:         id,
		Version:    version,
		Deleted:    true,
		Attachment: attachment,
	})

	rec := storage.Record{
		storage.FieldID: tombstoneKey(store, id),
		"store":         store,
		"recordId":      id,
	}
	rec.SetVersion(version)

	c.stagedTombstones = append(c.stagedTombstones, rec)
}

// flushTombstonesLocked writes staged tombstone records in one batch.
func (c *Coordinator) flushTombstonesLocked(ctx context.Context) error {
	if len(c.stagedTombstones) == 0 {
		return nil
	}

	recs := c.stagedTombstones
	c.stagedTombstones = nil

	if _, err := c.adapter.PutBulk(ctx, storage.StoreTombstones, recs); err != nil {
		return fmt.Errorf("coordinator: writing tombstones: %w", err)
	}

	return nil
}

// tombstoneKey builds the tombstone-store record id for a deletion.
func tombstoneKey(store, id string) string {
	return store + ":" + id
}

// ReadBulk is a pass-through to the adapter.
func (c *Coordinator) ReadBulk(ctx context.Context, store string, ids []string) ([]storage.Record, error) {
	return c.adapter.ReadBulk(ctx, store, ids)
}

// Query returns live records of a store ordered by version (insertion
// order), honoring since/offset/limit and the descending flag. Payloads are
// read back through the adapter; the view provides ordering and the since
// cursor.
func (c *Coordinator) Query(ctx context.Context, store string, opts QueryOptions) ([]storage.Record, bool, error) {
	c.mu.Lock()

	all := c.view.ByStore(store, 0, 0)
	candidates := make([]view.Item, 0, len(all))

	for _, item := range all {
		if item.Deleted {
			continue
		}

		if opts.Since > 0 && item.Version <= opts.Since {
			continue
		}

		candidates = append(candidates, item)
	}

	c.mu.Unlock()

	slices.SortFunc(candidates, func(a, b view.Item) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		default:
			return 0
		}
	})

	if opts.Descending {
		slices.Reverse(candidates)
	}

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	if offset >= len(candidates) {
		return nil, false, nil
	}

	end := len(candidates)
	if opts.Limit > 0 && offset+opts.Limit < end {
		end = offset + opts.Limit
	}

	page := candidates[offset:end]
	hasMore := end < len(candidates)

	ids := make([]string, len(page))
	for i, item := range page {
		ids[i] = item.ID
	}

	records, err := c.adapter.ReadBulk(ctx, store, ids)
	if err != nil {
		return nil, false, fmt.Errorf("coordinator: query %s: %w", store, err)
	}

	// Restore page order; the adapter only guarantees presence.
	byID := make(map[string]storage.Record, len(records))
	for _, rec := range records {
		byID[rec.ID()] = rec
	}

	ordered := make([]storage.Record, 0, len(page))

	for _, item := range page {
		if rec, ok := byID[item.ID]; ok {
			ordered = append(ordered, rec)
		}
	}

	return ordered, hasMore, nil
}

// Stores lists the non-reserved stores known to the view.
func (c *Coordinator) Stores() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.view.Stores()
}

// RebuildView reconstructs the view from scratch by scanning every
// non-reserved store, the attachment index, and the tombstone store.
// Records that never passed through a coordinator get a fresh version.
func (c *Coordinator) RebuildView(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rebuilt := view.New()

	stores, err := c.adapter.ListStores(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: listing stores for rebuild: %w", err)
	}

	for _, store := range stores {
		if storage.IsReserved(store) {
			continue
		}

		if err := c.scanStoreInto(ctx, rebuilt, store); err != nil {
			return err
		}
	}

	if err := c.scanAttachmentsInto(ctx, rebuilt); err != nil {
		return err
	}

	if err := c.scanTombstonesInto(ctx, rebuilt); err != nil {
		return err
	}

	c.view = rebuilt

	if err := c.persistView(ctx); err != nil {
		return err
	}

	c.logger.Info("view rebuilt", "items", rebuilt.Size())

	return nil
}

// scanStoreInto pages through one store, indexing every record.
func (c *Coordinator) scanStoreInto(ctx context.Context, target *view.View, store string) error {
	for offset := 0; ; offset += rebuildBatchSize {
		page, hasMore, err := c.adapter.ReadStore(ctx, store, rebuildBatchSize, offset)
		if err != nil {
			return fmt.Errorf("coordinator: rebuilding %s: %w", store, err)
		}

		for _, rec := range page {
			id := rec.ID()
			if id == "" {
				continue
			}

			version := rec.Version()
			if version == 0 {
				version = c.nextVersion()
				c.logger.Warn("record without version during rebuild",
					"store", store, "id", id, "assigned", version)
			}

			c.observeVersion(version)
			target.Upsert(view.Item{Store: store, ID: id, Version: version})
		}

		if !hasMore {
			return nil
		}
	}
}

// scanAttachmentsInto restores the attachment index from its reserved store.
func (c *Coordinator) scanAttachmentsInto(ctx context.Context, target *view.View) error {
	for offset := 0; ; offset += rebuildBatchSize {
		page, hasMore, err := c.adapter.ReadStore(ctx, storage.StoreAttachments, rebuildBatchSize, offset)
		if err != nil {
			return fmt.Errorf("coordinator: rebuilding attachment index: %w", err)
		}

		for _, rec := range page {
			id := rec.ID()
			if id == "" {
				continue
			}

			version := rec.Version()
			c.observeVersion(version)
			target.Upsert(view.Item{
				Store:      storage.StoreAttachments,
				ID:         id,
				Version:    version,
				Attachment: true,
			})
		}

		if !hasMore {
			return nil
		}
	}
}

// scanTombstonesInto replays the tombstone store over the rebuilt view.
func (c *Coordinator) scanTombstonesInto(ctx context.Context, target *view.View) error {
	for offset := 0; ; offset += rebuildBatchSize {
		page, hasMore, err := c.adapter.ReadStore(ctx, storage.StoreTombstones, rebuildBatchSize, offset)
		if err != nil {
			return fmt.Errorf("coordinator: rebuilding tombstones: %w", err)
		}

		for _, rec := range page {
			store, _ := rec["store"].(string)
			recordID, _ := rec["recordId"].(string)

			if store == "" || recordID == "" {
				continue
			}

			version := rec.Version()
			c.observeVersion(version)

			// A tombstone only wins over a live entry at a lower version.
			if existing, ok := target.Get(store, recordID); ok && existing.Version > version {
				continue
			}

			target.Upsert(view.Item{
				Store:      store,
				ID:         recordID,
				Version:    version,
				Deleted:    true,
				Attachment: store == storage.StoreAttachments,
			})
		}

		if !hasMore {
			return nil
		}
	}
}
