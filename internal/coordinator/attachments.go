package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/joohw/deltasync-go/internal/view"
	"github.com/joohw/deltasync-go/pkg/storage"
)

// ErrRecordNotFound is returned by attach/detach when the target record does
// not exist.
var ErrRecordNotFound = errors.New("coordinator: record not found")

// UploadFiles stores blobs and indexes each resulting attachment in the
// reserved attachment store, using the attachment's update time as its
// version. Transfers between adapters preserve timestamps, so both sides of
// a sync index the same version.
func (c *Coordinator) UploadFiles(ctx context.Context, files []storage.FileData) ([]storage.Attachment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.uploadFilesLocked(ctx, files)
}

func (c *Coordinator) uploadFilesLocked(ctx context.Context, files []storage.FileData) ([]storage.Attachment, error) {
	for i := range files {
		if files[i].ID == "" {
			files[i].ID = uuid.NewString()
		}

		// Filenames arrive in whatever form the platform produced; store NFC.
		files[i].Filename = norm.NFC.String(files[i].Filename)
	}

	atts, err := c.adapter.SaveFiles(ctx, files)
	if err != nil {
		return nil, fmt.Errorf("coordinator: saving files: %w", err)
	}

	index := make([]storage.Record, 0, len(atts))

	for _, att := range atts {
		c.observeVersion(att.UpdatedAt)
		c.view.Upsert(view.Item{
			Store:      storage.StoreAttachments,
			ID:         att.ID,
			Version:    att.UpdatedAt,
			Attachment: true,
		})

		rec := storage.Record{storage.FieldID: att.ID, "filename": att.Filename}
		rec.SetVersion(att.UpdatedAt)
		index = append(index, rec)
	}

	if len(index) > 0 {
		if _, err := c.adapter.PutBulk(ctx, storage.StoreAttachments, index); err != nil {
			return nil, fmt.Errorf("coordinator: indexing attachments: %w", err)
		}
	}

	if err := c.persistView(ctx); err != nil {
		return nil, err
	}

	return atts, nil
}

// DownloadFiles is a pass-through to the adapter's blob fetch.
func (c *Coordinator) DownloadFiles(ctx context.Context, ids []string) (map[string]*storage.FileData, error) {
	return c.adapter.ReadFiles(ctx, ids)
}

// DeleteFiles removes blobs, tombstoning the attachment index entry of each
// successfully deleted id at a fresh version so peers learn the deletion.
func (c *Coordinator) DeleteFiles(ctx context.Context, ids []string) (*storage.FileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.deleteFilesResultLocked(ctx, ids)
	if err != nil {
		return nil, err
	}

	if err := c.persistView(ctx); err != nil {
		return nil, err
	}

	return result, nil
}

// deleteFilesLocked is the cascade entry point; the caller persists the view.
func (c *Coordinator) deleteFilesLocked(ctx context.Context, ids []string) error {
	_, err := c.deleteFilesResultLocked(ctx, ids)
	return err
}

func (c *Coordinator) deleteFilesResultLocked(ctx context.Context, ids []string) (*storage.FileResult, error) {
	result, err := c.adapter.DeleteFiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("coordinator: deleting files: %w", err)
	}

	if len(result.Deleted) == 0 {
		return result, nil
	}

	for _, id := range result.Deleted {
		c.writeTombstoneLocked(storage.StoreAttachments, id, c.nextVersion(), true)
	}

	if err := c.adapter.DeleteBulk(ctx, storage.StoreAttachments, result.Deleted); err != nil {
		return nil, fmt.Errorf("coordinator: clearing attachment index: %w", err)
	}

	return result, c.flushTombstonesLocked(ctx)
}

// ApplyFileDeletes tombstones attachments at the versions a peer produced.
// Used on the receiving side of an attachment transfer; the fresh-version
// path is DeleteFiles.
func (c *Coordinator) ApplyFileDeletes(ctx context.Context, items []view.Item) (*storage.FileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(items))
	versions := make(map[string]int64, len(items))

	for _, item := range items {
		if existing, ok := c.view.Get(storage.StoreAttachments, item.ID); ok && existing.Version > item.Version {
			continue
		}

		ids = append(ids, item.ID)
		versions[item.ID] = item.Version
	}

	if len(ids) == 0 {
		return &storage.FileResult{}, nil
	}

	result, err := c.adapter.DeleteFiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("coordinator: applying file deletes: %w", err)
	}

	for _, id := range result.Deleted {
		c.observeVersion(versions[id])
		c.writeTombstoneLocked(storage.StoreAttachments, id, versions[id], true)
	}

	if len(result.Deleted) > 0 {
		if err := c.adapter.DeleteBulk(ctx, storage.StoreAttachments, result.Deleted); err != nil {
			return nil, fmt.Errorf("coordinator: clearing attachment index: %w", err)
		}
	}

	if err := c.flushTombstonesLocked(ctx); err != nil {
		return nil, err
	}

	return result, c.persistView(ctx)
}

// AttachFile stores a blob and appends it to the record's attachment list,
// re-saving the record under a new version.
func (c *Coordinator) AttachFile(ctx context.Context, store, recordID string, file storage.FileData) (storage.Attachment, storage.Record, error) {
	records, err := c.ReadBulk(ctx, store, []string{recordID})
	if err != nil {
		return storage.Attachment{}, nil, err
	}

	if len(records) == 0 {
		return storage.Attachment{}, nil, fmt.Errorf("coordinator: attach to %s/%s: %w", store, recordID, ErrRecordNotFound)
	}

	rec := records[0]

	c.mu.Lock()
	atts, err := c.uploadFilesLocked(ctx, []storage.FileData{file})
	c.mu.Unlock()

	if err != nil {
		return storage.Attachment{}, nil, err
	}

	if len(atts) == 0 {
		return storage.Attachment{}, nil, fmt.Errorf("coordinator: attach to %s/%s: blob was not stored", store, recordID)
	}

	att := atts[0]

	existing, err := rec.Attachments()
	if err != nil {
		return storage.Attachment{}, nil, err
	}

	rec.SetAttachments(append(existing, att))

	saved, err := c.PutBulk(ctx, store, []storage.Record{rec})
	if err != nil {
		return storage.Attachment{}, nil, err
	}

	return att, saved[0], nil
}

// DetachFile removes an attachment from the record's list, deletes the blob,
// and re-saves the record under a new version.
func (c *Coordinator) DetachFile(ctx context.Context, store, recordID, attachmentID string) (storage.Record, error) {
	records, err := c.ReadBulk(ctx, store, []string{recordID})
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("coordinator: detach from %s/%s: %w", store, recordID, ErrRecordNotFound)
	}

	rec := records[0]

	atts, err := rec.Attachments()
	if err != nil {
		return nil, err
	}

	kept := make([]storage.Attachment, 0, len(atts))

	for _, att := range atts {
		if att.ID != attachmentID {
			kept = append(kept, att)
		}
	}

	rec.SetAttachments(kept)

	if _, err := c.DeleteFiles(ctx, []string{attachmentID}); err != nil {
		return nil, err
	}

	saved, err := c.PutBulk(ctx, store, []storage.Record{rec})
	if err != nil {
		return nil, err
	}

	return saved[0], nil
}

// MarkAttachmentsMissing annotates a record's attachment entries with a
// missing-at timestamp and rewrites the payload in place, without a version
// bump. The annotated payload rides along with the record's pending push so
// the peer learns the blob is unavailable.
func (c *Coordinator) MarkAttachmentsMissing(ctx context.Context, store, recordID string, missing map[string]struct{}) (storage.Record, error) {
	records, err := c.ReadBulk(ctx, store, []string{recordID})
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, nil
	}

	rec := records[0]

	atts, err := rec.Attachments()
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	changed := false

	for i := range atts {
		if _, ok := missing[atts[i].ID]; ok && atts[i].MissingAt == 0 {
			atts[i].MissingAt = now
			changed = true
		}
	}

	if !changed {
		return rec, nil
	}

	rec.SetAttachments(atts)

	if _, err := c.adapter.PutBulk(ctx, store, []storage.Record{rec}); err != nil {
		return nil, fmt.Errorf("coordinator: rewriting %s/%s: %w", store, recordID, err)
	}

	c.logger.Warn("attachments flagged missing", "store", store, "id", recordID, "count", len(missing))

	return rec, nil
}
