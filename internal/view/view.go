// Package view implements the sync view: an in-memory index of every known
// (store, id) pair with its current version and deletion state. The view is
// the authority a diff runs against; adapters only hold payloads.
package view

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/joohw/deltasync-go/pkg/storage"
)

// Item is one view entry. Deleted entries are tombstones; Attachment entries
// live in the reserved attachment store and are excluded from Stores().
type Item struct {
	Store      string `json:"store"`
	ID         string `json:"id"`
	Version    int64  `json:"version"`
	Deleted    bool   `json:"deleted,omitempty"`
	Attachment bool   `json:"attachment,omitempty"`
}

// Key identifies an item within the view.
type Key struct {
	Store string
	ID    string
}

// View indexes items flat by (store, id) with a secondary store → id-set
// index so StoreSize is O(1). Not safe for concurrent use; the owning
// coordinator serializes access.
type View struct {
	items   map[Key]Item
	byStore map[string]map[string]struct{}
}

// New returns an empty view.
func New() *View {
	return &View{
		items:   make(map[Key]Item),
		byStore: make(map[string]map[string]struct{}),
	}
}

// Upsert inserts or replaces an item.
func (v *View) Upsert(item Item) {
	k := Key{Store: item.Store, ID: item.ID}
	v.items[k] = item

	ids, ok := v.byStore[item.Store]
	if !ok {
		ids = make(map[string]struct{})
		v.byStore[item.Store] = ids
	}

	ids[item.ID] = struct{}{}
}

// UpsertBatch inserts or replaces a batch of items.
func (v *View) UpsertBatch(items []Item) {
	for _, item := range items {
		v.Upsert(item)
	}
}

// Get returns the item for (store, id), or false when absent. Tombstoned
// entries are returned like any other.
func (v *View) Get(store, id string) (Item, bool) {
	item, ok := v.items[Key{Store: store, ID: id}]
	return item, ok
}

// Delete removes the entry entirely. This is tombstone garbage collection,
// not a logical delete; a logical delete upserts with Deleted=true.
func (v *View) Delete(store, id string) {
	k := Key{Store: store, ID: id}
	if _, ok := v.items[k]; !ok {
		return
	}

	delete(v.items, k)

	if ids, ok := v.byStore[store]; ok {
		delete(ids, id)

		if len(ids) == 0 {
			delete(v.byStore, store)
		}
	}
}

// ByStore returns a page of a store's items in id order. Tombstones are
// included; callers filter when they only want live entries.
func (v *View) ByStore(store string, offset, limit int) []Item {
	ids, ok := v.byStore[store]
	if !ok {
		return nil
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}

	slices.Sort(sorted)

	if offset < 0 {
		offset = 0
	}

	if offset >= len(sorted) {
		return nil
	}

	end := len(sorted)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	items := make([]Item, 0, end-offset)
	for _, id := range sorted[offset:end] {
		items = append(items, v.items[Key{Store: store, ID: id}])
	}

	return items
}

// Stores returns the names of all non-reserved stores with at least one
// entry, sorted.
func (v *View) Stores() []string {
	names := make([]string, 0, len(v.byStore))

	for name := range v.byStore {
		if storage.IsReserved(name) {
			continue
		}

		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Size returns the total number of entries, tombstones included.
func (v *View) Size() int {
	return len(v.items)
}

// StoreSize returns the number of entries in one store.
func (v *View) StoreSize(store string) int {
	return len(v.byStore[store])
}

// All returns every item in (store, id) order. Used by serialization; the
// slice is freshly allocated.
func (v *View) All() []Item {
	items := make([]Item, 0, len(v.items))
	for _, item := range v.items {
		items = append(items, item)
	}

	sortItems(items)

	return items
}

// sortItems orders items by store then id.
func sortItems(items []Item) {
	slices.SortFunc(items, func(a, b Item) int {
		if a.Store != b.Store {
			if a.Store < b.Store {
				return -1
			}

			return 1
		}

		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}

// snapshot is the serialized form of a view.
type snapshot struct {
	Items []Item `json:"items"`
}

// Serialize encodes the view as JSON. A 100k-item view stays well under a
// few megabytes because items are stored flat.
func (v *View) Serialize() ([]byte, error) {
	b, err := json.Marshal(snapshot{Items: v.All()})
	if err != nil {
		return nil, fmt.Errorf("view: serializing: %w", err)
	}

	return b, nil
}

// Deserialize decodes a serialized view.
func Deserialize(data []byte) (*View, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("view: deserializing: %w", err)
	}

	v := New()
	v.UpsertBatch(snap.Items)

	return v, nil
}
