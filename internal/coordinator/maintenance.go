package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/joohw/deltasync-go/pkg/storage"
)

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	JournalPurged    int
	TombstonesPurged int
}

// Maintenance walks the change journal and the tombstone store in batches.
// Journal entries whose referenced record no longer exists in the view are
// deleted; tombstones older than the retention window are garbage-collected
// from both the tombstone store and the view.
func (c *Coordinator) Maintenance(ctx context.Context) (*MaintenanceReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := &MaintenanceReport{}

	if err := c.purgeStaleJournal(ctx, report); err != nil {
		return nil, err
	}

	if err := c.purgeExpiredTombstones(ctx, report); err != nil {
		return nil, err
	}

	if err := c.persistView(ctx); err != nil {
		return nil, err
	}

	c.logger.Info("maintenance complete",
		"journal_purged", report.JournalPurged,
		"tombstones_purged", report.TombstonesPurged)

	return report, nil
}

// purgeStaleJournal deletes journal entries orphaned by a later tombstone or
// by tombstone garbage collection. The scan completes before any deletion so
// paging offsets stay valid.
func (c *Coordinator) purgeStaleJournal(ctx context.Context, report *MaintenanceReport) error {
	var stale []string

	for offset := 0; ; offset += rebuildBatchSize {
		page, hasMore, err := c.adapter.ReadStore(ctx, storage.StoreChanges, rebuildBatchSize, offset)
		if err != nil {
			return fmt.Errorf("coordinator: scanning change journal: %w", err)
		}

		for _, rec := range page {
			change, convErr := recordToChange(rec)
			if convErr != nil {
				c.logger.Warn("undecodable journal entry", "id", rec.ID(), "error", convErr)
				stale = append(stale, rec.ID())

				continue
			}

			item, ok := c.view.Get(change.Store, change.RecordID)

			switch {
			case !ok:
				stale = append(stale, change.ID)
			case item.Deleted && change.Op == storage.OpPut:
				stale = append(stale, change.ID)
			}
		}

		if !hasMore {
			break
		}
	}

	if len(stale) == 0 {
		return nil
	}

	if err := c.adapter.DeleteBulk(ctx, storage.StoreChanges, stale); err != nil {
		return fmt.Errorf("coordinator: purging change journal: %w", err)
	}

	report.JournalPurged = len(stale)

	return nil
}

// purgeExpiredTombstones removes tombstones past the retention window, plus
// tombstone records made stale by a revival.
func (c *Coordinator) purgeExpiredTombstones(ctx context.Context, report *MaintenanceReport) error {
	cutoff := time.Now().Add(-c.retention).UnixMilli()

	var (
		staleRecords []string
		expired      []struct{ store, id string }
	)

	for offset := 0; ; offset += rebuildBatchSize {
		page, hasMore, err := c.adapter.ReadStore(ctx, storage.StoreTombstones, rebuildBatchSize, offset)
		if err != nil {
			return fmt.Errorf("coordinator: scanning tombstones: %w", err)
		}

		for _, rec := range page {
			store, _ := rec["store"].(string)
			recordID, _ := rec["recordId"].(string)
			version := rec.Version()

			item, ok := c.view.Get(store, recordID)
			if ok && !item.Deleted && item.Version >= version {
				// Revived since the tombstone was written.
				staleRecords = append(staleRecords, rec.ID())
				continue
			}

			if version < cutoff {
				staleRecords = append(staleRecords, rec.ID())
				expired = append(expired, struct{ store, id string }{store, recordID})
			}
		}

		if !hasMore {
			break
		}
	}

	if len(staleRecords) > 0 {
		if err := c.adapter.DeleteBulk(ctx, storage.StoreTombstones, staleRecords); err != nil {
			return fmt.Errorf("coordinator: purging tombstones: %w", err)
		}
	}

	for _, t := range expired {
		c.view.Delete(t.store, t.id)
	}

	report.TombstonesPurged = len(expired)

	return nil
}
