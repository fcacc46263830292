package view

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joohw/deltasync-go/pkg/storage"
)

func TestUpsertGetDelete(t *testing.T) {
	v := New()

	_, ok := v.Get("notes", "a")
	assert.False(t, ok)

	v.Upsert(Item{Store: "notes", ID: "a", Version: 1})

	item, ok := v.Get("notes", "a")
	require.True(t, ok)
	assert.Equal(t, int64(1), item.Version)

	// Replace, not accumulate.
	v.Upsert(Item{Store: "notes", ID: "a", Version: 2, Deleted: true})

	item, ok = v.Get("notes", "a")
	require.True(t, ok)
	assert.Equal(t, int64(2), item.Version)
	assert.True(t, item.Deleted)
	assert.Equal(t, 1, v.Size())

	v.Delete("notes", "a")

	_, ok = v.Get("notes", "a")
	assert.False(t, ok)
	assert.Zero(t, v.Size())
	assert.Zero(t, v.StoreSize("notes"))
}

func TestByStorePagination(t *testing.T) {
	v := New()

	for i := 0; i < 25; i++ {
		v.Upsert(Item{Store: "notes", ID: fmt.Sprintf("id-%02d", i), Version: int64(i + 1)})
	}

	page := v.ByStore("notes", 0, 10)
	require.Len(t, page, 10)
	assert.Equal(t, "id-00", page[0].ID)
	assert.Equal(t, "id-09", page[9].ID)

	page = v.ByStore("notes", 20, 10)
	require.Len(t, page, 5)
	assert.Equal(t, "id-24", page[4].ID)

	assert.Empty(t, v.ByStore("notes", 100, 10))
	assert.Empty(t, v.ByStore("ghost", 0, 10))

	// Zero limit means everything.
	assert.Len(t, v.ByStore("notes", 0, 0), 25)
}

func TestStoresExcludesReserved(t *testing.T) {
	v := New()
	v.Upsert(Item{Store: "notes", ID: "a", Version: 1})
	v.Upsert(Item{Store: "tasks", ID: "b", Version: 2})
	v.Upsert(Item{Store: storage.StoreAttachments, ID: "f", Version: 3, Attachment: true})
	v.Upsert(Item{Store: storage.StoreTombstones, ID: "t", Version: 4})

	assert.Equal(t, []string{"notes", "tasks"}, v.Stores())
	assert.Equal(t, 4, v.Size())
	assert.Equal(t, 1, v.StoreSize(storage.StoreAttachments))
}

func TestSerializeRoundTrip(t *testing.T) {
	v := New()

	for i := 0; i < 100; i++ {
		v.Upsert(Item{Store: fmt.Sprintf("s%d", i%3), ID: fmt.Sprintf("id-%03d", i), Version: int64(i + 1), Deleted: i%7 == 0})
	}

	v.Upsert(Item{Store: storage.StoreAttachments, ID: "blob", Version: 500, Attachment: true})

	data, err := v.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, v.Size(), restored.Size())
	assert.Equal(t, v.Stores(), restored.Stores())
	assert.Equal(t, v.All(), restored.All())

	for _, store := range v.Stores() {
		assert.Equal(t, v.ByStore(store, 0, 0), restored.ByStore(store, 0, 0))
	}

	item, ok := restored.Get(storage.StoreAttachments, "blob")
	require.True(t, ok)
	assert.True(t, item.Attachment)
}

func TestDeserializeCorrupt(t *testing.T) {
	_, err := Deserialize([]byte("not json"))
	assert.Error(t, err)
}
