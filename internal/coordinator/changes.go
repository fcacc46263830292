package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/joohw/deltasync-go/internal/view"
	"github.com/joohw/deltasync-go/pkg/storage"
)

// writeJournal appends change entries to the changes store. Entry ids are
// deterministic per (store, id, version), so replays rewrite rather than
// duplicate. Called with the mutex held.
func (c *Coordinator) writeJournal(ctx context.Context, changes []storage.DataChange) error {
	if len(changes) == 0 {
		return nil
	}

	recs := make([]storage.Record, 0, len(changes))

	for _, change := range changes {
		rec, err := changeToRecord(change)
		if err != nil {
			return err
		}

		recs = append(recs, rec)
	}

	if _, err := c.adapter.PutBulk(ctx, storage.StoreChanges, recs); err != nil {
		return fmt.Errorf("coordinator: writing change journal: %w", err)
	}

	return nil
}

// changeToRecord flattens a DataChange into a journal record.
func changeToRecord(change storage.DataChange) (storage.Record, error) {
	b, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("coordinator: encoding change %s: %w", change.ID, err)
	}

	var rec storage.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("coordinator: reshaping change %s: %w", change.ID, err)
	}

	return rec, nil
}

// recordToChange is the inverse of changeToRecord.
func recordToChange(rec storage.Record) (storage.DataChange, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return storage.DataChange{}, fmt.Errorf("coordinator: encoding journal record: %w", err)
	}

	var change storage.DataChange
	if err := json.Unmarshal(b, &change); err != nil {
		return storage.DataChange{}, fmt.Errorf("coordinator: decoding journal record: %w", err)
	}

	return change, nil
}

// ExtractChanges turns a set of view items into a change set with full
// payloads for puts and id-only entries for deletes. Items whose record has
// vanished from the adapter are dropped.
func (c *Coordinator) ExtractChanges(ctx context.Context, items []view.Item) (*storage.DataChangeSet, error) {
	set := storage.NewDataChangeSet()

	byStore := make(map[string][]view.Item)
	for _, item := range items {
		byStore[item.Store] = append(byStore[item.Store], item)
	}

	for store, storeItems := range byStore {
		group := set.Store(store)

		var putIDs []string

		versions := make(map[string]int64, len(storeItems))

		for _, item := range storeItems {
			set.Observe(item.Version)

			if item.Deleted {
				group.Deletes = append(group.Deletes, storage.ChangeItem{
					ID:      item.ID,
					Version: item.Version,
				})

				continue
			}

			putIDs = append(putIDs, item.ID)
			versions[item.ID] = item.Version
		}

		if len(putIDs) == 0 {
			continue
		}

		records, err := c.adapter.ReadBulk(ctx, store, putIDs)
		if err != nil {
			return nil, fmt.Errorf("coordinator: extracting changes from %s: %w", store, err)
		}

		for _, rec := range records {
			group.Puts = append(group.Puts, storage.ChangeItem{
				ID:      rec.ID(),
				Version: versions[rec.ID()],
				Data:    rec,
			})
		}
	}

	return set, nil
}

// ApplyChanges writes an incoming change set: deletes land as tombstones,
// puts keep the versions they arrived with. The view updates in batch and
// observers stay silent; pulled changes surface through the sync manager's
// callbacks instead. Applying the same set twice is a no-op the second time.
func (c *Coordinator) ApplyChanges(ctx context.Context, set *storage.DataChangeSet) error {
	if set == nil || set.Empty() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stores := make([]string, 0, len(set.Stores))
	for store := range set.Stores {
		stores = append(stores, store)
	}

	slices.Sort(stores)

	for _, store := range stores {
		group := set.Stores[store]

		if err := c.applyStoreDeletes(ctx, store, group.Deletes); err != nil {
			return err
		}

		if err := c.applyStorePuts(ctx, store, group.Puts); err != nil {
			return err
		}
	}

	if err := c.flushTombstonesLocked(ctx); err != nil {
		return err
	}

	return c.persistView(ctx)
}

// applyStoreDeletes applies the delete half of a store's change group.
func (c *Coordinator) applyStoreDeletes(ctx context.Context, store string, deletes []storage.ChangeItem) error {
	if len(deletes) == 0 {
		return nil
	}

	var (
		ids     []string
		journal []storage.DataChange
	)

	for _, item := range deletes {
		if existing, ok := c.view.Get(store, item.ID); ok && existing.Version > item.Version {
			continue
		}

		ids = append(ids, item.ID)
		c.observeVersion(item.Version)
		c.writeTombstoneLocked(store, item.ID, item.Version, store == storage.StoreAttachments)

		journal = append(journal, storage.DataChange{
			ID:       storage.ChangeID(store, item.ID, item.Version),
			Store:    store,
			RecordID: item.ID,
			Version:  item.Version,
			Op:       storage.OpDelete,
		})
	}

	if len(ids) == 0 {
		return nil
	}

	if err := c.adapter.DeleteBulk(ctx, store, ids); err != nil {
		return fmt.Errorf("coordinator: applying deletes to %s: %w", store, err)
	}

	return c.writeJournal(ctx, journal)
}

// applyStorePuts applies the put half of a store's change group.
func (c *Coordinator) applyStorePuts(ctx context.Context, store string, puts []storage.ChangeItem) error {
	if len(puts) == 0 {
		return nil
	}

	var (
		recs      []storage.Record
		viewItems []view.Item
		journal   []storage.DataChange
	)

	for _, item := range puts {
		if existing, ok := c.view.Get(store, item.ID); ok && existing.Version > item.Version {
			continue
		}

		rec := item.Data.Clone()
		rec.SetVersion(item.Version)

		recs = append(recs, rec)
		c.observeVersion(item.Version)
		viewItems = append(viewItems, view.Item{Store: store, ID: item.ID, Version: item.Version})

		journal = append(journal, storage.DataChange{
			ID:       storage.ChangeID(store, item.ID, item.Version),
			Store:    store,
			RecordID: item.ID,
			Version:  item.Version,
			Op:       storage.OpPut,
			Data:     rec,
		})
	}

	if len(recs) == 0 {
		return nil
	}

	if _, err := c.adapter.PutBulk(ctx, store, recs); err != nil {
		return fmt.Errorf("coordinator: applying puts to %s: %w", store, err)
	}

	c.view.UpsertBatch(viewItems)

	return c.writeJournal(ctx, journal)
}
