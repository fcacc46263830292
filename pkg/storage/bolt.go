package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket layout: one top-level bucket per store under a "s:" prefix, plus a
// flat bucket for blob contents and one for blob metadata.
var (
	bucketFiles    = []byte("files")
	bucketFileMeta = []byte("filemeta")
)

const boltStorePrefix = "s:"

// BoltAdapter is the embedded single-file adapter, backed by bbolt. Scan
// order is id-sorted (bbolt keys are byte-ordered), which satisfies the
// stable-order contract.
type BoltAdapter struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltAdapter opens (or creates) the bbolt database at dbPath.
func NewBoltAdapter(dbPath string, logger *slog.Logger) (*BoltAdapter, error) {
	logger.Info("opening bolt database", "path", dbPath)

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFiles, bucketFileMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltAdapter{db: db, logger: logger}, nil
}

// Close implements Adapter.
func (b *BoltAdapter) Close() error {
	return b.db.Close()
}

func storeBucketName(store string) []byte {
	return []byte(boltStorePrefix + store)
}

// ReadStore implements Adapter. Order is id-sorted.
func (b *BoltAdapter) ReadStore(_ context.Context, store string, limit, offset int) ([]Record, bool, error) {
	if offset < 0 {
		offset = 0
	}

	var (
		items   []Record
		hasMore bool
	)

	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(storeBucketName(store))
		if bkt == nil {
			return nil
		}

		i := 0

		return bkt.ForEach(func(_, v []byte) error {
			if i < offset {
				i++
				return nil
			}

			if limit > 0 && len(items) >= limit {
				hasMore = true
				return errStopIteration
			}

			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("storage: decoding record in %s: %w", store, err)
			}

			items = append(items, rec)
			i++

			return nil
		})
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, false, err
	}

	return items, hasMore, nil
}

// errStopIteration terminates a ForEach early; never surfaced to callers.
var errStopIteration = errors.New("storage: stop iteration")

// ReadBulk implements Adapter.
func (b *BoltAdapter) ReadBulk(_ context.Context, store string, ids []string) ([]Record, error) {
	items := make([]Record, 0, len(ids))

	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(storeBucketName(store))
		if bkt == nil {
			return nil
		}

		for _, id := range ids {
			v := bkt.Get([]byte(id))
			if v == nil {
				continue
			}

			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("storage: decoding %s/%s: %w", store, id, err)
			}

			items = append(items, rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// PutBulk implements Adapter. The batch is one bolt transaction.
func (b *BoltAdapter) PutBulk(_ context.Context, store string, items []Record) ([]Record, error) {
	saved := make([]Record, 0, len(items))

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(storeBucketName(store))
		if err != nil {
			return fmt.Errorf("storage: create store bucket %s: %w", store, err)
		}

		for _, item := range items {
			id := item.ID()
			if id == "" {
				continue
			}

			data, jsonErr := json.Marshal(item)
			if jsonErr != nil {
				return fmt.Errorf("storage: encoding %s/%s: %w", store, id, jsonErr)
			}

			if err := bkt.Put([]byte(id), data); err != nil {
				return fmt.Errorf("storage: put %s/%s: %w", store, id, err)
			}

			saved = append(saved, item)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return saved, nil
}

// DeleteBulk implements Adapter.
func (b *BoltAdapter) DeleteBulk(_ context.Context, store string, ids []string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(storeBucketName(store))
		if bkt == nil {
			return nil
		}

		for _, id := range ids {
			if err := bkt.Delete([]byte(id)); err != nil {
				return fmt.Errorf("storage: delete %s/%s: %w", store, id, err)
			}
		}

		return nil
	})
}

// ClearStore implements Adapter.
func (b *BoltAdapter) ClearStore(_ context.Context, store string) (bool, error) {
	existed := false

	err := b.db.Update(func(tx *bolt.Tx) error {
		name := storeBucketName(store)
		if tx.Bucket(name) == nil {
			return nil
		}

		existed = true

		return tx.DeleteBucket(name)
	})
	if err != nil {
		return false, fmt.Errorf("storage: clear store %s: %w", store, err)
	}

	return existed, nil
}

// ListStores implements Adapter.
func (b *BoltAdapter) ListStores(_ context.Context) ([]string, error) {
	var names []string

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bkt *bolt.Bucket) error {
			s := string(name)
			if !strings.HasPrefix(s, boltStorePrefix) {
				return nil
			}

			k, _ := bkt.Cursor().First()
			if k == nil {
				return nil
			}

			names = append(names, strings.TrimPrefix(s, boltStorePrefix))

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list stores: %w", err)
	}

	return names, nil
}

// boltFileMeta is the stored blob metadata row.
type boltFileMeta struct {
	ID        string            `json:"id"`
	Filename  string            `json:"filename"`
	MimeType  string            `json:"mimeType"`
	Size      int64             `json:"size"`
	CreatedAt int64             `json:"createdAt"`
	UpdatedAt int64             `json:"updatedAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ReadFiles implements Adapter.
func (b *BoltAdapter) ReadFiles(_ context.Context, ids []string) (map[string]*FileData, error) {
	out := make(map[string]*FileData, len(ids))

	err := b.db.View(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		metas := tx.Bucket(bucketFileMeta)

		for _, id := range ids {
			content := files.Get([]byte(id))
			rawMeta := metas.Get([]byte(id))

			if content == nil || rawMeta == nil {
				out[id] = nil
				continue
			}

			var meta boltFileMeta
			if err := json.Unmarshal(rawMeta, &meta); err != nil {
				return fmt.Errorf("storage: decoding file metadata %s: %w", id, err)
			}

			out[id] = &FileData{
				ID:        meta.ID,
				Filename:  meta.Filename,
				MimeType:  meta.MimeType,
				Content:   append([]byte(nil), content...),
				CreatedAt: meta.CreatedAt,
				UpdatedAt: meta.UpdatedAt,
				Metadata:  meta.Metadata,
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// SaveFiles implements Adapter.
func (b *BoltAdapter) SaveFiles(_ context.Context, files []FileData) ([]Attachment, error) {
	now := time.Now().UnixMilli()
	atts := make([]Attachment, 0, len(files))

	err := b.db.Update(func(tx *bolt.Tx) error {
		contents := tx.Bucket(bucketFiles)
		metas := tx.Bucket(bucketFileMeta)

		for _, f := range files {
			if f.ID == "" {
				continue
			}

			createdAt := f.CreatedAt
			if createdAt == 0 {
				if raw := metas.Get([]byte(f.ID)); raw != nil {
					var prev boltFileMeta
					if err := json.Unmarshal(raw, &prev); err == nil {
						createdAt = prev.CreatedAt
					}
				}

				if createdAt == 0 {
					createdAt = now
				}
			}

			updatedAt := f.UpdatedAt
			if updatedAt == 0 {
				updatedAt = now
			}

			meta := boltFileMeta{
				ID:        f.ID,
				Filename:  f.Filename,
				MimeType:  f.MimeType,
				Size:      int64(len(f.Content)),
				CreatedAt: createdAt,
				UpdatedAt: updatedAt,
				Metadata:  f.Metadata,
			}

			rawMeta, jsonErr := json.Marshal(&meta)
			if jsonErr != nil {
				return fmt.Errorf("storage: encoding file metadata %s: %w", f.ID, jsonErr)
			}

			if err := contents.Put([]byte(f.ID), f.Content); err != nil {
				return fmt.Errorf("storage: save file %s: %w", f.ID, err)
			}

			if err := metas.Put([]byte(f.ID), rawMeta); err != nil {
				return fmt.Errorf("storage: save file metadata %s: %w", f.ID, err)
			}

			atts = append(atts, Attachment{
				ID:        meta.ID,
				Filename:  meta.Filename,
				MimeType:  meta.MimeType,
				Size:      meta.Size,
				CreatedAt: meta.CreatedAt,
				UpdatedAt: meta.UpdatedAt,
				Metadata:  meta.Metadata,
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return atts, nil
}

// DeleteFiles implements Adapter.
func (b *BoltAdapter) DeleteFiles(_ context.Context, ids []string) (*FileResult, error) {
	result := &FileResult{}

	err := b.db.Update(func(tx *bolt.Tx) error {
		contents := tx.Bucket(bucketFiles)
		metas := tx.Bucket(bucketFileMeta)

		for _, id := range ids {
			if err := contents.Delete([]byte(id)); err != nil {
				b.logger.Warn("file delete failed", "id", id, "error", err)
				result.Failed = append(result.Failed, id)

				continue
			}

			if err := metas.Delete([]byte(id)); err != nil {
				result.Failed = append(result.Failed, id)
				continue
			}

			result.Deleted = append(result.Deleted, id)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: delete files: %w", err)
	}

	return result, nil
}
