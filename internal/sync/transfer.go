package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/joohw/deltasync-go/internal/coordinator"
	"github.com/joohw/deltasync-go/internal/view"
	"github.com/joohw/deltasync-go/pkg/storage"
)

// readChunkSize bounds how many blob ids one ReadFiles call carries.
const readChunkSize = 32

// transferFiles copies attachment blobs from src to dst, adapter to adapter.
// Tombstoned items become file deletions at the versions the sender
// produced; live items are read from src and saved to dst in size-bounded
// batches, in parallel. The returned set holds ids that failed to delete,
// read or save, and the count is the number of blobs saved to dst; per-id
// transfer failures never fail the round.
func (m *Manager) transferFiles(ctx context.Context, src, dst *coordinator.Coordinator, items []view.Item) (map[string]struct{}, int, error) {
	failed := make(map[string]struct{})

	if len(items) == 0 {
		return failed, 0, nil
	}

	var (
		deletes []view.Item
		putIDs  []string
	)

	for _, item := range items {
		if item.Deleted {
			deletes = append(deletes, item)
		} else {
			putIDs = append(putIDs, item.ID)
		}
	}

	if len(deletes) > 0 {
		if err := m.withRetry(ctx, "delete files", func(callCtx context.Context) error {
			result, err := dst.ApplyFileDeletes(callCtx, deletes)
			if err != nil {
				return err
			}

			for _, id := range result.Failed {
				failed[id] = struct{}{}
			}

			return nil
		}); err != nil {
			return nil, 0, fmt.Errorf("sync: deleting transferred files: %w", err)
		}
	}

	if len(putIDs) == 0 {
		return failed, 0, nil
	}

	var files []storage.FileData

	for start := 0; start < len(putIDs); start += readChunkSize {
		end := start + readChunkSize
		if end > len(putIDs) {
			end = len(putIDs)
		}

		chunk := putIDs[start:end]

		var page map[string]*storage.FileData

		if err := m.withRetry(ctx, "read files", func(callCtx context.Context) error {
			var err error
			page, err = src.DownloadFiles(callCtx, chunk)

			return err
		}); err != nil {
			return nil, 0, fmt.Errorf("sync: reading transferred files: %w", err)
		}

		for _, id := range chunk {
			f := page[id]
			if f == nil {
				failed[id] = struct{}{}
				continue
			}

			files = append(files, *f)
		}
	}

	transferred, err := m.saveBatches(ctx, dst, files, failed)
	if err != nil {
		return nil, 0, err
	}

	return failed, transferred, nil
}

// saveBatches writes blobs to dst in batches capped by FileChunkSize bytes,
// up to transferParallelism batches in flight.
func (m *Manager) saveBatches(ctx context.Context, dst *coordinator.Coordinator, files []storage.FileData, failed map[string]struct{}) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}

	var (
		chunks       [][]storage.FileData
		current      []storage.FileData
		currentBytes int64
	)

	for _, f := range files {
		size := int64(len(f.Content))
		if len(current) > 0 && currentBytes+size > m.opts.FileChunkSize {
			chunks = append(chunks, current)
			current = nil
			currentBytes = 0
		}

		current = append(current, f)
		currentBytes += size
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	var (
		mu          stdsync.Mutex
		transferred int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferParallelism)

	for _, chunk := range chunks {
		g.Go(func() error {
			var atts []storage.Attachment

			err := m.withRetry(gctx, "save files", func(callCtx context.Context) error {
				var saveErr error
				atts, saveErr = dst.UploadFiles(callCtx, chunk)

				return saveErr
			})

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				m.logger.Warn("file batch save failed", "count", len(chunk), "error", err)

				for _, f := range chunk {
					failed[f.ID] = struct{}{}
				}

				return nil
			}

			saved := make(map[string]struct{}, len(atts))
			for _, att := range atts {
				saved[att.ID] = struct{}{}
			}

			for _, f := range chunk {
				if _, ok := saved[f.ID]; !ok {
					failed[f.ID] = struct{}{}
				}
			}

			transferred += len(atts)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("sync: saving transferred files: %w", err)
	}

	return transferred, nil
}
