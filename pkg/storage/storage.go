// Package storage defines the adapter contract deltasync runs on: a
// namespaced key-value database with ordered scans and bulk blob support.
// It also ships three reference adapters (in-memory, SQLite, bbolt) that
// satisfy the contract.
package storage

import (
	"context"
	"errors"
	"strings"
)

// Reserved store names. The coordinator claims these namespaces inside every
// adapter; application stores must not use the double-underscore prefix.
const (
	ReservedPrefix   = "__"
	StoreChanges     = "__changes"
	StoreTombstones  = "__tombstones"
	StoreAttachments = "__attachments"
	StoreMeta        = "__meta"

	// MetaViewKey is the record id of the persisted sync-view snapshot
	// inside StoreMeta.
	MetaViewKey = "syncview"
)

// ErrReservedStore is returned when application-level calls name a reserved
// store.
var ErrReservedStore = errors.New("storage: store name is reserved")

// IsReserved reports whether a store name belongs to the coordinator's
// reserved namespaces.
func IsReserved(store string) bool {
	return strings.HasPrefix(store, ReservedPrefix)
}

// FileResult reports the per-id outcome of a bulk blob deletion.
type FileResult struct {
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
}

// Adapter is the sole boundary between the sync core and a backing store.
// Implementations must provide stable scan order for unchanged contents and
// encode partial success in return values rather than errors. Every method
// either fulfills its contract or fails with an error; callers treat any
// error as the whole call failing.
type Adapter interface {
	// ReadStore returns a page of records from a store in a stable order,
	// plus whether more records exist past the page.
	ReadStore(ctx context.Context, store string, limit, offset int) ([]Record, bool, error)

	// ReadBulk fetches records by id. Missing ids are silently omitted;
	// callers distinguish by count.
	ReadBulk(ctx context.Context, store string, ids []string) ([]Record, error)

	// PutBulk upserts records; each record carries its own id. Atomicity
	// across calls is not required.
	PutBulk(ctx context.Context, store string, items []Record) ([]Record, error)

	// DeleteBulk removes records by id. Deleting an absent id is a no-op.
	DeleteBulk(ctx context.Context, store string, ids []string) error

	// ClearStore removes every record in a store and reports whether the
	// store existed.
	ClearStore(ctx context.Context, store string) (bool, error)

	// ListStores enumerates all namespaces that currently hold records,
	// reserved ones included.
	ListStores(ctx context.Context) ([]string, error)

	// ReadFiles bulk-fetches blobs. The result has one entry per requested
	// id; a nil entry marks a missing blob.
	ReadFiles(ctx context.Context, ids []string) (map[string]*FileData, error)

	// SaveFiles persists blobs and returns one Attachment per successfully
	// stored blob, in input order. Failed blobs are omitted.
	SaveFiles(ctx context.Context, files []FileData) ([]Attachment, error)

	// DeleteFiles removes blobs with a per-id outcome. Absent ids count as
	// deleted.
	DeleteFiles(ctx context.Context, ids []string) (*FileResult, error)

	// Close releases any resources held by the adapter.
	Close() error
}
