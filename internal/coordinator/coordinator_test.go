package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joohw/deltasync-go/pkg/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *storage.MemoryAdapter) {
	t.Helper()

	adapter := storage.NewMemoryAdapter()

	c, err := New(context.Background(), adapter, newTestLogger(), opts...)
	require.NoError(t, err)

	return c, adapter
}

func rec(id string, fields ...any) storage.Record {
	r := storage.Record{storage.FieldID: id}
	for i := 0; i+1 < len(fields); i += 2 {
		r[fields[i].(string)] = fields[i+1]
	}

	return r
}

func TestPutBulkStampsMonotonicVersions(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	saved, err := c.PutBulk(ctx, "notes", []storage.Record{rec("a"), rec("b"), rec("c")})
	require.NoError(t, err)
	require.Len(t, saved, 3)

	var last int64

	for _, r := range saved {
		assert.Greater(t, r.Version(), last)
		last = r.Version()
	}

	// The view tracks the latest version per key.
	item, ok := c.View().Get("notes", "c")
	require.True(t, ok)
	assert.Equal(t, last, item.Version)
	assert.False(t, item.Deleted)

	// A re-put strictly advances the version.
	again, err := c.PutBulk(ctx, "notes", []storage.Record{rec("a")})
	require.NoError(t, err)
	assert.Greater(t, again[0].Version(), last)
}

func TestPutBulkRejectsReservedStoreAndMissingID(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.PutBulk(ctx, storage.StoreChanges, []storage.Record{rec("a")})
	assert.ErrorIs(t, err, storage.ErrReservedStore)

	_, err = c.PutBulk(ctx, "notes", []storage.Record{{"text": "no id"}})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestReadBackLastWrite(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.PutBulk(ctx, "notes", []storage.Record{rec("x", "text", "one")})
	require.NoError(t, err)
	_, err = c.PutBulk(ctx, "notes", []storage.Record{rec("x", "text", "two")})
	require.NoError(t, err)

	items, err := c.ReadBulk(ctx, "notes", []string{"x"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "two", items[0]["text"])

	require.NoError(t, c.DeleteBulk(ctx, "notes", []string{"x"}))

	items, err = c.ReadBulk(ctx, "notes", []string{"x"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDeleteLeavesTombstone(t *testing.T) {
	c, adapter := newTestCoordinator(t)
	ctx := context.Background()

	saved, err := c.PutBulk(ctx, "notes", []storage.Record{rec("x")})
	require.NoError(t, err)

	putVersion := saved[0].Version()

	require.NoError(t, c.DeleteBulk(ctx, "notes", []string{"x"}))

	item, ok := c.View().Get("notes", "x")
	require.True(t, ok, "tombstone must stay in the view")
	assert.True(t, item.Deleted)
	assert.Greater(t, item.Version, putVersion)

	// The tombstone store holds the matching record.
	stones, err := adapter.ReadBulk(ctx, storage.StoreTombstones, []string{"notes:x"})
	require.NoError(t, err)
	require.Len(t, stones, 1)
	assert.Equal(t, "notes", stones[0]["store"])
	assert.Equal(t, "x", stones[0]["recordId"])
}

func TestRevivalAfterDelete(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.PutBulk(ctx, "notes", []storage.Record{rec("x")})
	require.NoError(t, err)
	require.NoError(t, c.DeleteBulk(ctx, "notes", []string{"x"}))

	stone, _ := c.View().Get("notes", "x")

	revived, err := c.PutBulk(ctx, "notes", []storage.Record{rec("x", "text", "back")})
	require.NoError(t, err)
	assert.Greater(t, revived[0].Version(), stone.Version)

	item, ok := c.View().Get("notes", "x")
	require.True(t, ok)
	assert.False(t, item.Deleted)

	items, err := c.ReadBulk(ctx, "notes", []string{"x"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "back", items[0]["text"])
}

func TestQueryPagination(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	var all []storage.Record
	for i := 0; i < 150; i++ {
		all = append(all, rec(fmt.Sprintf("page-%d", i)))
	}

	_, err := c.PutBulk(ctx, "notes", all)
	require.NoError(t, err)

	page1, hasMore, err := c.Query(ctx, "notes", QueryOptions{Limit: 100, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page1, 100)
	assert.True(t, hasMore)
	assert.Equal(t, "page-0", page1[0].ID())

	page2, hasMore, err := c.Query(ctx, "notes", QueryOptions{Limit: 100, Offset: 100})
	require.NoError(t, err)
	assert.Len(t, page2, 50)
	assert.False(t, hasMore)
}

func TestQuerySinceAndDescending(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.PutBulk(ctx, "notes", []storage.Record{rec("a"), rec("b")})
	require.NoError(t, err)

	cursor := first[1].Version()

	_, err = c.PutBulk(ctx, "notes", []storage.Record{rec("c"), rec("d")})
	require.NoError(t, err)

	newer, _, err := c.Query(ctx, "notes", QueryOptions{Since: cursor})
	require.NoError(t, err)
	require.Len(t, newer, 2)
	assert.Equal(t, "c", newer[0].ID())
	assert.Equal(t, "d", newer[1].ID())

	desc, _, err := c.Query(ctx, "notes", QueryOptions{Descending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "d", desc[0].ID())
	assert.Equal(t, "c", desc[1].ID())
}

func TestQueryExcludesTombstones(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.PutBulk(ctx, "notes", []storage.Record{rec("a"), rec("b")})
	require.NoError(t, err)
	require.NoError(t, c.DeleteBulk(ctx, "notes", []string{"a"}))

	items, _, err := c.Query(ctx, "notes", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID())
}

func TestViewPersistenceAcrossReopen(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	ctx := context.Background()

	c1, err := New(ctx, adapter, newTestLogger())
	require.NoError(t, err)

	var all []storage.Record
	for i := 0; i < 10; i++ {
		all = append(all, rec(fmt.Sprintf("id-%d", i)))
	}

	_, err = c1.PutBulk(ctx, "notes", all)
	require.NoError(t, err)
	require.NoError(t, c1.DeleteBulk(ctx, "notes", []string{"id-3"}))

	want := c1.View().All()

	// Reopen over the same adapter: the snapshot restores the view.
	c2, err := New(ctx, adapter, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, want, c2.View().All())
	assert.GreaterOrEqual(t, c2.LastVersion(), c1.LastVersion())
}

func TestRebuildViewAfterSnapshotLoss(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	ctx := context.Background()

	c1, err := New(ctx, adapter, newTestLogger())
	require.NoError(t, err)

	_, err = c1.PutBulk(ctx, "notes", []storage.Record{rec("a"), rec("b")})
	require.NoError(t, err)
	require.NoError(t, c1.DeleteBulk(ctx, "notes", []string{"b"}))

	want := c1.View().All()

	// Destroy the snapshot; reopening must rebuild from store contents plus
	// the tombstone store.
	require.NoError(t, adapter.DeleteBulk(ctx, storage.StoreMeta, []string{storage.MetaViewKey}))

	c2, err := New(ctx, adapter, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, want, c2.View().All())
}

func TestRebuildViewOnCorruptSnapshot(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	ctx := context.Background()

	c1, err := New(ctx, adapter, newTestLogger())
	require.NoError(t, err)

	_, err = c1.PutBulk(ctx, "notes", []storage.Record{rec("a")})
	require.NoError(t, err)

	// Corrupt the snapshot in place.
	_, err = adapter.PutBulk(ctx, storage.StoreMeta, []storage.Record{{
		storage.FieldID: storage.MetaViewKey,
		"view":          "{{{not json",
	}})
	require.NoError(t, err)

	c2, err := New(ctx, adapter, newTestLogger())
	require.NoError(t, err)

	item, ok := c2.View().Get("notes", "a")
	require.True(t, ok)
	assert.False(t, item.Deleted)
}

func TestObserversFireAfterMutation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	var got []storage.DataChange

	c.OnDataChanged(func(changes []storage.DataChange) {
		got = append(got, changes...)
	})

	_, err := c.PutBulk(ctx, "notes", []storage.Record{rec("a")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, storage.OpPut, got[0].Op)
	assert.Equal(t, "a", got[0].RecordID)

	require.NoError(t, c.DeleteBulk(ctx, "notes", []string{"a"}))
	require.Len(t, got, 2)
	assert.Equal(t, storage.OpDelete, got[1].Op)
}

func TestJournalSharesRecordVersion(t *testing.T) {
	c, adapter := newTestCoordinator(t)
	ctx := context.Background()

	saved, err := c.PutBulk(ctx, "notes", []storage.Record{rec("a")})
	require.NoError(t, err)

	version := saved[0].Version()

	entries, err := adapter.ReadBulk(ctx, storage.StoreChanges,
		[]string{storage.ChangeID("notes", "a", version)})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	change, err := recordToChange(entries[0])
	require.NoError(t, err)
	assert.Equal(t, version, change.Version)
	assert.Equal(t, storage.OpPut, change.Op)
	assert.Equal(t, "a", change.Data.ID())
}
